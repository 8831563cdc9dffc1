package main

import (
	"log"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/app"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/config"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Выводим конфигурацию в лог
	cfg.Log()

	// Создаём и настраиваем воркер
	worker, err := app.BuildWorker(cfg)
	if err != nil {
		log.Fatalf("Failed to build worker: %v", err)
	}

	// Запускаем воркер
	if err := worker.Run(); err != nil {
		log.Fatalf("Worker error: %v", err)
	}
}
