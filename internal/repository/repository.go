package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Ошибки уровня хранилища
var (
	// ErrTransactionNotFound - транзакция не найдена
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrOrderNotFound - заказ не найден
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateTransaction - нарушен уникальный индекс по gateway_order_id
	ErrDuplicateTransaction = errors.New("transaction with this gateway order id already exists")
)

// TransactionStatus - статус платёжной транзакции
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// Terminal возвращает true, если статус финальный и webhook больше не может его изменить
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusPending
}

// PaymentStatus - платёжный статус заказа
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderStatus - статус исполнения заказа (здесь важен только переход в confirmed)
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
)

// Transaction представляет одну попытку оплаты через платёжный шлюз.
// Никогда не удаляется: история транзакций - аудиторский след.
type Transaction struct {
	ID string
	// OrderID - заказ, к которому относится транзакция (может быть пустым)
	OrderID string
	// GatewayOrderID - номер заказа, переданный шлюзу при создании платежа.
	// Корреляционный ключ для webhook-ов, защищён уникальным индексом в БД.
	GatewayOrderID string
	// GatewayTransactionID - идентификатор, который шлюз присваивает завершённому платежу
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	Status               TransactionStatus
	PaymentMethod        string
	// GatewayResponse - исходный payload от шлюза, сохраняется дословно для аудита
	GatewayResponse json.RawMessage
	FailureReason   string
	ReferenceNumber string

	CreatedAt         time.Time
	VerifiedAt        *time.Time
	WebhookReceivedAt *time.Time
}

// Order - заказ, владеющий транзакциями
type Order struct {
	ID            string
	UserID        string
	TotalAmount   decimal.Decimal
	PaymentStatus PaymentStatus
	Status        OrderStatus
	// AdminNotes - свободный текст, куда дописываются breadcrumb-и об изменениях оплаты
	AdminNotes string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cart - корзина с признаком активности и сроком жизни.
// Протухшие корзины деактивируются sweep-задачей, но не удаляются.
type Cart struct {
	ID        string
	UserID    string
	IsActive  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// FinalizeOutcome - исход применения webhook-а к транзакции
type FinalizeOutcome string

const (
	// FinalizeApplied - транзакция была pending и переведена в финальный статус
	FinalizeApplied FinalizeOutcome = "applied"
	// FinalizeAlreadyProcessed - транзакция уже в финальном статусе, мутаций не было
	FinalizeAlreadyProcessed FinalizeOutcome = "already_processed"
	// FinalizeNotFound - транзакция с таким gateway_order_id не существует
	FinalizeNotFound FinalizeOutcome = "not_found"
)

// WebhookFinalization - данные webhook-а, применяемые к транзакции
type WebhookFinalization struct {
	// GatewayOrderID - ключ поиска транзакции
	GatewayOrderID       string
	GatewayTransactionID string
	// Succeeded - true, если шлюз подтвердил оплату
	Succeeded       bool
	FailureReason   string
	ReferenceNumber string
	GatewayResponse json.RawMessage
	ReceivedAt      time.Time
	// AdminNote - breadcrumb, дописываемый в Order.AdminNotes тем же коммитом
	AdminNote string
}

// FinalizeResult - результат Finalize: исход плюс состояние транзакции после коммита
type FinalizeResult struct {
	Outcome     FinalizeOutcome
	Transaction Transaction
}

// TransactionRepository определяет операции над платёжными транзакциями.
//
// Finalize - ядро идемпотентности: выполняется в одной транзакции БД
// с блокировкой строки (SELECT ... FOR UPDATE). Две конкурирующие доставки
// одного webhook-а сериализуются на блокировке: первая видит pending и
// применяет переход, вторая видит финальный статус и возвращает
// FinalizeAlreadyProcessed без единой мутации. Обновление владеющего Order
// (paymentStatus, status, adminNotes) происходит в том же коммите.
type TransactionRepository interface {
	// Create создаёт pending транзакцию.
	// Возвращает ErrDuplicateTransaction при повторном gateway_order_id.
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	// GetByGatewayOrderID возвращает транзакцию по корреляционному ключу
	// без блокировки (используется для грубой fast-path проверки в task-слое)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (Transaction, error)
	// Finalize атомарно применяет webhook к транзакции и её заказу
	Finalize(ctx context.Context, f WebhookFinalization) (FinalizeResult, error)
	// Cancel переводит pending транзакцию в cancelled (например, шлюз отверг создание платежа)
	Cancel(ctx context.Context, id string, reason string) error
	// FindStuckPending возвращает до limit pending транзакций старше olderThan
	// и общее количество таких транзакций
	FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, int, error)
}

// OrderRepository определяет операции над заказами
type OrderRepository interface {
	// GetByID возвращает заказ, либо ErrOrderNotFound
	GetByID(ctx context.Context, id string) (Order, error)
}

// CartRepository определяет операции над корзинами
type CartRepository interface {
	// DeactivateExpired деактивирует не более batchSize протухших корзин
	// одним bulk-обновлением и возвращает число затронутых строк.
	// Идемпотентна: повторный запуск находит уменьшающееся множество.
	DeactivateExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
}
