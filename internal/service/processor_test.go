package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/gateway"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository/memory"
)

// MockPaymentEventPublisher реализует PaymentEventPublisher для тестов
type MockPaymentEventPublisher struct {
	mock.Mock
}

func (m *MockPaymentEventPublisher) PublishPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func seedPendingTransaction(t *testing.T, repo *memory.Repository, orderID, gatewayOrderID, amount string) repository.Transaction {
	t.Helper()
	created, err := repo.Create(context.Background(), repository.Transaction{
		ID:             "tx-" + gatewayOrderID,
		OrderID:        orderID,
		GatewayOrderID: gatewayOrderID,
		Amount:         decimal.RequireFromString(amount),
		Currency:       "HTG",
		Status:         repository.TransactionStatusPending,
	})
	require.NoError(t, err)
	return created
}

func TestWebhookProcessor_Process_Success(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	repo.SeedOrder(repository.Order{
		ID:            "O1",
		PaymentStatus: repository.PaymentStatusPending,
		Status:        repository.OrderStatusPending,
	})
	seedPendingTransaction(t, repo, "O1", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful","reference":"REF-9"}`))
	require.NoError(t, err)

	publisher.On("PublishPaymentCompleted", ctx, mock.MatchedBy(func(e PaymentCompletedEvent) bool {
		return e.OrderID == "O1" &&
			e.GatewayOrderID == "MC-1001" &&
			e.GatewayTransactionID == "T1" &&
			e.EventType == "payment.completed"
	})).Return(nil).Once()

	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, repository.TransactionStatusCompleted, result.Transaction.Status)
	assert.NotNil(t, result.Transaction.VerifiedAt)
	assert.Equal(t, "T1", result.Transaction.GatewayTransactionID)
	assert.Equal(t, "REF-9", result.Transaction.ReferenceNumber)

	// Заказ обновлён тем же вызовом
	order, err := repo.GetByID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, repository.OrderStatusConfirmed, order.Status)
	assert.Contains(t, order.AdminNotes, "T1")

	publisher.AssertExpectations(t)
}

func TestWebhookProcessor_Process_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	repo.SeedOrder(repository.Order{
		ID:            "O1",
		PaymentStatus: repository.PaymentStatusPending,
		Status:        repository.OrderStatusPending,
	})
	seedPendingTransaction(t, repo, "O1", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	// Событие публикуется ровно один раз, при первой доставке
	publisher.On("PublishPaymentCompleted", ctx, mock.Anything).Return(nil).Once()

	first, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, first.Outcome)

	orderAfterFirst, err := repo.GetByID(ctx, "O1")
	require.NoError(t, err)

	// Повторная доставка того же webhook-а через 5 минут
	second, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, second.Outcome)
	assert.Equal(t, repository.TransactionStatusCompleted, second.Transaction.Status)

	// Ни одно поле заказа не изменилось
	orderAfterSecond, err := repo.GetByID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orderAfterFirst, orderAfterSecond)

	publisher.AssertExpectations(t)
}

func TestWebhookProcessor_Process_Declined(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	repo.SeedOrder(repository.Order{
		ID:            "O2",
		PaymentStatus: repository.PaymentStatusPending,
		Status:        repository.OrderStatusPending,
	})
	seedPendingTransaction(t, repo, "O2", "MC-1002", "50.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T2","orderId":"MC-1002","amount":"50.00","message":"declined"}`))
	require.NoError(t, err)

	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentFailed, result.Outcome)
	assert.Equal(t, repository.TransactionStatusFailed, result.Transaction.Status)
	assert.Equal(t, "declined", result.Transaction.FailureReason)

	order, err := repo.GetByID(ctx, "O2")
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusFailed, order.PaymentStatus)
	// Fulfillment-статус заказа при отказе не трогаем
	assert.Equal(t, repository.OrderStatusPending, order.Status)

	// Событие payment.completed при отказе не публикуется
	publisher.AssertNotCalled(t, "PublishPaymentCompleted", mock.Anything, mock.Anything)
}

func TestWebhookProcessor_Process_TransactionNotFound(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	processor := NewWebhookProcessor(repo, nil, zap.NewNop())

	// Транзакция с таким ID существует, но ключ поиска - orderId, не transactionId
	seedPendingTransaction(t, repo, "O1", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"MC-1001","orderId":"unknown-order","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err, "not found is a business outcome, not an error")
	assert.Equal(t, OutcomeTransactionNotFound, result.Outcome)

	// Исходная транзакция осталась pending
	got, err := repo.GetByGatewayOrderID(ctx, "MC-1001")
	require.NoError(t, err)
	assert.Equal(t, repository.TransactionStatusPending, got.Status)
}

func TestWebhookProcessor_Process_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	repo.SeedOrder(repository.Order{
		ID:            "O1",
		PaymentStatus: repository.PaymentStatusPending,
		Status:        repository.OrderStatusPending,
	})
	seedPendingTransaction(t, repo, "O1", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	publisher.On("PublishPaymentCompleted", ctx, mock.Anything).Return(nil).Once()

	const workers = 8
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := processor.Process(ctx, parsed)
			require.NoError(t, err)
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	success := 0
	for _, outcome := range outcomes {
		if outcome == OutcomeSuccess {
			success++
		} else {
			assert.Equal(t, OutcomeAlreadyProcessed, outcome)
		}
	}
	assert.Equal(t, 1, success, "exactly one delivery must win the transition")
	publisher.AssertExpectations(t)
}

func TestWebhookProcessor_Process_AtomicityOnFault(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	repo.SeedOrder(repository.Order{
		ID:            "O1",
		PaymentStatus: repository.PaymentStatusPending,
		Status:        repository.OrderStatusPending,
	})
	seedPendingTransaction(t, repo, "O1", "MC-1001", "100.00")

	// Сбой посреди Finalize: ни транзакция, ни заказ не должны измениться
	faultErr := errors.New("connection reset")
	repo.SetFinalizeFault(func() error { return faultErr })

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	_, err = processor.Process(ctx, parsed)
	require.Error(t, err)
	assert.ErrorIs(t, err, faultErr)

	got, err := repo.GetByGatewayOrderID(ctx, "MC-1001")
	require.NoError(t, err)
	assert.Equal(t, repository.TransactionStatusPending, got.Status, "transaction must roll back")

	order, err := repo.GetByID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPending, order.PaymentStatus, "order must roll back")

	publisher.AssertNotCalled(t, "PublishPaymentCompleted", mock.Anything, mock.Anything)
}

func TestWebhookProcessor_Process_PublisherErrorDoesNotFailPayment(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	publisher := new(MockPaymentEventPublisher)
	processor := NewWebhookProcessor(repo, publisher, zap.NewNop())

	seedPendingTransaction(t, repo, "", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	publisher.On("PublishPaymentCompleted", ctx, mock.Anything).
		Return(errors.New("kafka unavailable")).Once()

	// Платёж уже закоммичен, сбой публикации не должен превращаться в ошибку обработки
	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	publisher.AssertExpectations(t)
}

func TestWebhookProcessor_Process_AmountMismatchStillFinalizes(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	processor := NewWebhookProcessor(repo, nil, zap.NewNop())

	seedPendingTransaction(t, repo, "", "MC-1001", "100.00")

	// Сумма в webhook расходится с транзакцией: финализируем по ответу шлюза,
	// расхождение уходит в лог для ручной сверки
	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"99.00","message":"successful"}`))
	require.NoError(t, err)

	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestWebhookProcessor_Process_TimeIsStamped(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	processor := NewWebhookProcessor(repo, nil, zap.NewNop())

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	processor.now = func() time.Time { return fixed }

	seedPendingTransaction(t, repo, "", "MC-1001", "100.00")

	parsed, err := gateway.ParseWebhookPayload([]byte(
		`{"transactionId":"T1","orderId":"MC-1001","amount":"100.00","message":"successful"}`))
	require.NoError(t, err)

	result, err := processor.Process(ctx, parsed)
	require.NoError(t, err)
	require.NotNil(t, result.Transaction.VerifiedAt)
	assert.Equal(t, fixed, *result.Transaction.VerifiedAt)
	require.NotNil(t, result.Transaction.WebhookReceivedAt)
	assert.Equal(t, fixed, *result.Transaction.WebhookReceivedAt)
}
