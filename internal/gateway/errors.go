package gateway

import "errors"

// Ошибки клиента платёжного шлюза.
// Классификация важна: внешний task-слой решает по типу ошибки,
// повторять ли задачу (см. internal/task).
var (
	// ErrAuthentication - не удалось получить или применить access token
	ErrAuthentication = errors.New("gateway authentication failed")
	// ErrPayment - шлюз отклонил создание или проверку платежа
	ErrPayment = errors.New("gateway rejected payment request")
	// ErrServiceUnavailable - circuit breaker открыт, запрос не отправлялся в сеть
	ErrServiceUnavailable = errors.New("gateway circuit breaker is open")
	// ErrValidation - структурно некорректный webhook payload
	ErrValidation = errors.New("invalid webhook payload")
	// ErrPaymentNotFound - шлюз не знает такой платёж
	ErrPaymentNotFound = errors.New("payment not found in gateway")
)
