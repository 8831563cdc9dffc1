package task

import (
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// zapAsynqLogger адаптирует zap.Logger под интерфейс asynq.Logger
type zapAsynqLogger struct {
	log *zap.SugaredLogger
}

// NewAsynqLogger создаёт asynq.Logger поверх zap
func NewAsynqLogger(log *zap.Logger) asynq.Logger {
	return &zapAsynqLogger{log: log.Sugar()}
}

func (l *zapAsynqLogger) Debug(args ...interface{}) { l.log.Debug(args...) }
func (l *zapAsynqLogger) Info(args ...interface{})  { l.log.Info(args...) }
func (l *zapAsynqLogger) Warn(args ...interface{})  { l.log.Warn(args...) }
func (l *zapAsynqLogger) Error(args ...interface{}) { l.log.Error(args...) }
func (l *zapAsynqLogger) Fatal(args ...interface{}) { l.log.Fatal(args...) }
