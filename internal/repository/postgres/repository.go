package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
)

// uniqueViolation - код ошибки PostgreSQL для нарушения уникального индекса
const uniqueViolation = "23505"

// Repository реализует TransactionRepository, OrderRepository и CartRepository
// поверх PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository создаёт новый PostgreSQL репозиторий
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// transactionColumns - список колонок для scanTransaction.
// amount читается как ::text и парсится в decimal.
const transactionColumns = `id, order_id, gateway_order_id, gateway_transaction_id,
	amount::text, currency, status, payment_method, gateway_response,
	failure_reason, reference_number, created_at, verified_at, webhook_received_at`

// Create создаёт pending транзакцию
// Уникальный индекс по gateway_order_id - защита от дублей на уровне БД
func (r *Repository) Create(ctx context.Context, t repository.Transaction) (repository.Transaction, error) {
	var orderID *string
	if t.OrderID != "" {
		orderID = &t.OrderID
	}

	var createdAt time.Time
	err := r.pool.QueryRow(ctx,
		`INSERT INTO transactions
		   (id, order_id, gateway_order_id, gateway_transaction_id, amount, currency,
		    status, payment_method, failure_reason, reference_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		t.ID, orderID, t.GatewayOrderID, t.GatewayTransactionID, t.Amount.String(), t.Currency,
		t.Status, t.PaymentMethod, t.FailureReason, t.ReferenceNumber).Scan(&createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.Transaction{}, repository.ErrDuplicateTransaction
		}
		return repository.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	t.CreatedAt = createdAt
	return t, nil
}

// GetByGatewayOrderID возвращает транзакцию по корреляционному ключу без блокировки
func (r *Repository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (repository.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE gateway_order_id = $1`,
		gatewayOrderID)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Transaction{}, repository.ErrTransactionNotFound
		}
		return repository.Transaction{}, fmt.Errorf("get transaction by gateway order id: %w", err)
	}
	return t, nil
}

// Finalize атомарно применяет webhook к транзакции и её заказу.
//
// Алгоритм выполняется в одной транзакции БД:
//  1. SELECT ... FOR UPDATE по gateway_order_id - конкурирующие доставки
//     одного webhook-а сериализуются на этой блокировке
//  2. не нашли строку - FinalizeNotFound
//  3. статус уже финальный - FinalizeAlreadyProcessed, ни одной мутации
//  4. иначе переводим pending -> completed/failed и тем же коммитом
//     обновляем владеющий Order (payment_status, status, admin_notes)
func (r *Repository) Finalize(ctx context.Context, f repository.WebhookFinalization) (repository.FinalizeResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return repository.FinalizeResult{}, fmt.Errorf("begin finalize tx: %w", err)
	}
	// Гарантируем откат: при hard-timeout задачи никакая половина изменений не останется
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE gateway_order_id = $1
		 FOR UPDATE`,
		f.GatewayOrderID)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.FinalizeResult{Outcome: repository.FinalizeNotFound}, nil
		}
		return repository.FinalizeResult{}, fmt.Errorf("lock transaction: %w", err)
	}

	// Идемпотентный short-circuit: повторная доставка видит финальный статус
	if t.Status.Terminal() {
		return repository.FinalizeResult{
			Outcome:     repository.FinalizeAlreadyProcessed,
			Transaction: t,
		}, nil
	}

	newStatus := repository.TransactionStatusFailed
	if f.Succeeded {
		newStatus = repository.TransactionStatusCompleted
	}

	receivedAt := f.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = tx.Exec(ctx,
		`UPDATE transactions
		 SET status = $1,
		     gateway_transaction_id = $2,
		     reference_number = $3,
		     failure_reason = $4,
		     gateway_response = $5,
		     verified_at = $6,
		     webhook_received_at = $6
		 WHERE id = $7`,
		newStatus, f.GatewayTransactionID, f.ReferenceNumber, f.FailureReason,
		[]byte(f.GatewayResponse), receivedAt, t.ID)
	if err != nil {
		return repository.FinalizeResult{}, fmt.Errorf("update transaction: %w", err)
	}

	// Обновляем заказ тем же коммитом: Transaction и Order не должны разойтись
	if t.OrderID != "" {
		if f.Succeeded {
			_, err = tx.Exec(ctx,
				`UPDATE orders
				 SET payment_status = $1,
				     status = $2,
				     admin_notes = CASE WHEN admin_notes = '' THEN $3
				                        ELSE admin_notes || E'\n' || $3 END,
				     updated_at = now()
				 WHERE id = $4`,
				repository.PaymentStatusPaid, repository.OrderStatusConfirmed, f.AdminNote, t.OrderID)
		} else {
			// При отказе fulfillment-статус заказа не трогаем
			_, err = tx.Exec(ctx,
				`UPDATE orders
				 SET payment_status = $1,
				     admin_notes = CASE WHEN admin_notes = '' THEN $2
				                        ELSE admin_notes || E'\n' || $2 END,
				     updated_at = now()
				 WHERE id = $3`,
				repository.PaymentStatusFailed, f.AdminNote, t.OrderID)
		}
		if err != nil {
			return repository.FinalizeResult{}, fmt.Errorf("update order: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return repository.FinalizeResult{}, fmt.Errorf("commit finalize tx: %w", err)
	}

	t.Status = newStatus
	t.GatewayTransactionID = f.GatewayTransactionID
	t.ReferenceNumber = f.ReferenceNumber
	t.FailureReason = f.FailureReason
	t.GatewayResponse = f.GatewayResponse
	t.VerifiedAt = &receivedAt
	t.WebhookReceivedAt = &receivedAt

	return repository.FinalizeResult{
		Outcome:     repository.FinalizeApplied,
		Transaction: t,
	}, nil
}

// Cancel переводит pending транзакцию в cancelled
func (r *Repository) Cancel(ctx context.Context, id string, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $1, failure_reason = $2
		 WHERE id = $3 AND status = $4`,
		repository.TransactionStatusCancelled, reason, id, repository.TransactionStatusPending)
	if err != nil {
		return fmt.Errorf("cancel transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrTransactionNotFound
	}
	return nil
}

// FindStuckPending возвращает до limit pending транзакций старше olderThan
// и общее количество таких транзакций. Строки не блокируются и не мутируются.
func (r *Repository) FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]repository.Transaction, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*)
		 FROM transactions
		 WHERE status = $1 AND created_at < $2`,
		repository.TransactionStatusPending, olderThan).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count stuck transactions: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		repository.TransactionStatusPending, olderThan, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query stuck transactions: %w", err)
	}
	defer rows.Close()

	stuck := make([]repository.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan stuck transaction: %w", err)
		}
		stuck = append(stuck, t)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	return stuck, total, nil
}

// GetByID возвращает заказ по ID
func (r *Repository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	var order repository.Order
	var totalAmount string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, total_amount::text, payment_status, status, admin_notes,
		        created_at, updated_at
		 FROM orders
		 WHERE id = $1`,
		id).Scan(&order.ID, &order.UserID, &totalAmount, &order.PaymentStatus,
		&order.Status, &order.AdminNotes, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Order{}, repository.ErrOrderNotFound
		}
		return repository.Order{}, fmt.Errorf("get order by id: %w", err)
	}

	order.TotalAmount, err = decimal.NewFromString(totalAmount)
	if err != nil {
		return repository.Order{}, fmt.Errorf("parse order total amount: %w", err)
	}

	return order, nil
}

// DeactivateExpired деактивирует не более batchSize протухших корзин одним bulk-обновлением.
// Ограничение батча защищает от долгой транзакции на большом бэклоге.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE carts
		 SET is_active = FALSE
		 WHERE id IN (
		   SELECT id FROM carts
		   WHERE is_active = TRUE AND expires_at < $1
		   LIMIT $2
		 )`,
		now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired carts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanTransaction читает транзакцию из строки результата
func scanTransaction(row pgx.Row) (repository.Transaction, error) {
	var t repository.Transaction
	var orderID *string
	var amount string
	var gatewayResponse []byte

	err := row.Scan(&t.ID, &orderID, &t.GatewayOrderID, &t.GatewayTransactionID,
		&amount, &t.Currency, &t.Status, &t.PaymentMethod, &gatewayResponse,
		&t.FailureReason, &t.ReferenceNumber, &t.CreatedAt, &t.VerifiedAt, &t.WebhookReceivedAt)
	if err != nil {
		return repository.Transaction{}, err
	}

	if orderID != nil {
		t.OrderID = *orderID
	}
	t.GatewayResponse = gatewayResponse

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return repository.Transaction{}, fmt.Errorf("parse transaction amount: %w", err)
	}

	return t, nil
}
