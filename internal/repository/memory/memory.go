package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
)

// Repository реализует репозитории транзакций, заказов и корзин в памяти.
// Используется в unit-тестах сервисного слоя; семантика Finalize повторяет
// PostgreSQL реализацию: мутация либо применяется целиком (транзакция + заказ),
// либо не применяется вовсе.
type Repository struct {
	mu           sync.Mutex
	transactions map[string]repository.Transaction // ключ - gateway_order_id
	orders       map[string]repository.Order
	carts        map[string]repository.Cart

	// finalizeFault вызывается между вычислением новой транзакции и записью.
	// Позволяет тестам проверить, что при сбое посреди Finalize
	// не остаётся половины изменений.
	finalizeFault func() error
}

// NewRepository создаёт новый in-memory репозиторий
func NewRepository() *Repository {
	return &Repository{
		transactions: make(map[string]repository.Transaction),
		orders:       make(map[string]repository.Order),
		carts:        make(map[string]repository.Cart),
	}
}

// SetFinalizeFault устанавливает fault-injection hook для Finalize
func (r *Repository) SetFinalizeFault(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeFault = fn
}

// SeedOrder добавляет заказ напрямую (для тестов)
func (r *Repository) SeedOrder(order repository.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
}

// SeedCart добавляет корзину напрямую (для тестов)
func (r *Repository) SeedCart(cart repository.Cart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[cart.ID] = cart
}

// Create создаёт pending транзакцию
func (r *Repository) Create(ctx context.Context, t repository.Transaction) (repository.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[t.GatewayOrderID]; exists {
		return repository.Transaction{}, repository.ErrDuplicateTransaction
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	r.transactions[t.GatewayOrderID] = t
	return t, nil
}

// GetByGatewayOrderID возвращает транзакцию по корреляционному ключу
func (r *Repository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (repository.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.transactions[gatewayOrderID]
	if !exists {
		return repository.Transaction{}, repository.ErrTransactionNotFound
	}
	return t, nil
}

// Finalize применяет webhook к транзакции и её заказу.
// Мьютекс играет роль row-level блокировки: конкурирующие вызовы сериализуются,
// второй видит финальный статус и возвращает FinalizeAlreadyProcessed.
func (r *Repository) Finalize(ctx context.Context, f repository.WebhookFinalization) (repository.FinalizeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.transactions[f.GatewayOrderID]
	if !exists {
		return repository.FinalizeResult{Outcome: repository.FinalizeNotFound}, nil
	}
	if t.Status.Terminal() {
		return repository.FinalizeResult{
			Outcome:     repository.FinalizeAlreadyProcessed,
			Transaction: t,
		}, nil
	}

	receivedAt := f.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	updated := t
	if f.Succeeded {
		updated.Status = repository.TransactionStatusCompleted
	} else {
		updated.Status = repository.TransactionStatusFailed
	}
	updated.GatewayTransactionID = f.GatewayTransactionID
	updated.ReferenceNumber = f.ReferenceNumber
	updated.FailureReason = f.FailureReason
	updated.GatewayResponse = f.GatewayResponse
	updated.VerifiedAt = &receivedAt
	updated.WebhookReceivedAt = &receivedAt

	// Точка сбоя "между двумя записями": ни транзакция, ни заказ
	// ещё не изменены, поэтому ошибка означает полный откат
	if r.finalizeFault != nil {
		if err := r.finalizeFault(); err != nil {
			return repository.FinalizeResult{}, err
		}
	}

	r.transactions[f.GatewayOrderID] = updated

	if updated.OrderID != "" {
		if order, ok := r.orders[updated.OrderID]; ok {
			if f.Succeeded {
				order.PaymentStatus = repository.PaymentStatusPaid
				order.Status = repository.OrderStatusConfirmed
			} else {
				order.PaymentStatus = repository.PaymentStatusFailed
			}
			if f.AdminNote != "" {
				if order.AdminNotes == "" {
					order.AdminNotes = f.AdminNote
				} else {
					order.AdminNotes = order.AdminNotes + "\n" + f.AdminNote
				}
			}
			order.UpdatedAt = receivedAt
			r.orders[updated.OrderID] = order
		}
	}

	return repository.FinalizeResult{
		Outcome:     repository.FinalizeApplied,
		Transaction: updated,
	}, nil
}

// Cancel переводит pending транзакцию в cancelled
func (r *Repository) Cancel(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.transactions {
		if t.ID == id && t.Status == repository.TransactionStatusPending {
			t.Status = repository.TransactionStatusCancelled
			t.FailureReason = reason
			r.transactions[key] = t
			return nil
		}
	}
	return repository.ErrTransactionNotFound
}

// FindStuckPending возвращает до limit pending транзакций старше olderThan
func (r *Repository) FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]repository.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stuck := make([]repository.Transaction, 0)
	for _, t := range r.transactions {
		if t.Status == repository.TransactionStatusPending && t.CreatedAt.Before(olderThan) {
			stuck = append(stuck, t)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].CreatedAt.Before(stuck[j].CreatedAt)
	})

	total := len(stuck)
	if total > limit {
		stuck = stuck[:limit]
	}
	return stuck, total, nil
}

// GetByID возвращает заказ по ID
func (r *Repository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[id]
	if !exists {
		return repository.Order{}, repository.ErrOrderNotFound
	}
	return order, nil
}

// DeactivateExpired деактивирует не более batchSize протухших корзин
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Стабильный порядок обхода, чтобы батчи были детерминированными
	ids := make([]string, 0, len(r.carts))
	for id := range r.carts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var deactivated int64
	for _, id := range ids {
		if deactivated >= int64(batchSize) {
			break
		}
		cart := r.carts[id]
		if cart.IsActive && cart.ExpiresAt.Before(now) {
			cart.IsActive = false
			r.carts[id] = cart
			deactivated++
		}
	}
	return deactivated, nil
}

// ActiveCarts возвращает количество активных корзин (для тестов)
func (r *Repository) ActiveCarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, cart := range r.carts {
		if cart.IsActive {
			count++
		}
	}
	return count
}
