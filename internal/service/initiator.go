package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/repository"
)

// InitiatedPayment - результат успешного старта оплаты
type InitiatedPayment struct {
	Transaction  repository.Transaction
	PaymentToken string
	// RedirectURL - адрес, на который нужно отправить покупателя
	RedirectURL string
}

// PaymentInitiator начинает оплату заказа: создаёт pending транзакцию
// и открывает платёжную сессию в шлюзе
type PaymentInitiator struct {
	transactions repository.TransactionRepository
	gateway      PaymentGateway
	logger       *zap.Logger
}

// NewPaymentInitiator создаёт новый PaymentInitiator
func NewPaymentInitiator(
	transactions repository.TransactionRepository,
	gw PaymentGateway,
	logger *zap.Logger,
) *PaymentInitiator {
	return &PaymentInitiator{
		transactions: transactions,
		gateway:      gw,
		logger:       logger,
	}
}

// CreatePayment создаёт pending транзакцию и платёжную сессию в шлюзе.
//
// Шлюзу передаётся сгенерированный gateway order id - именно он вернётся
// в webhook-е как orderId и станет ключом поиска транзакции.
// Если шлюз отверг создание сессии, транзакция переводится в cancelled:
// pending оставлять нельзя, иначе её подберёт монитор зависших платежей.
func (s *PaymentInitiator) CreatePayment(
	ctx context.Context,
	orderID string,
	amount decimal.Decimal,
	currency string,
	paymentMethod string,
) (InitiatedPayment, error) {
	if !amount.IsPositive() {
		return InitiatedPayment{}, fmt.Errorf("payment amount must be positive, got %s", amount)
	}

	gatewayOrderID := uuid.New().String()

	t, err := s.transactions.Create(ctx, repository.Transaction{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		GatewayOrderID: gatewayOrderID,
		Amount:         amount,
		Currency:       currency,
		Status:         repository.TransactionStatusPending,
		PaymentMethod:  paymentMethod,
	})
	if err != nil {
		return InitiatedPayment{}, fmt.Errorf("create pending transaction: %w", err)
	}

	session, err := s.gateway.CreatePayment(ctx, gatewayOrderID, amount)
	if err != nil {
		cancelReason := fmt.Sprintf("gateway refused payment session: %v", err)
		if cancelErr := s.transactions.Cancel(ctx, t.ID, cancelReason); cancelErr != nil {
			s.logger.Error("failed to cancel transaction after gateway error",
				zap.String("transaction_id", t.ID),
				zap.Error(cancelErr))
		}
		return InitiatedPayment{}, fmt.Errorf("create gateway payment session: %w", err)
	}

	s.logger.Info("payment initiated",
		zap.String("transaction_id", t.ID),
		zap.String("order_id", orderID),
		zap.String("gateway_order_id", gatewayOrderID),
		zap.String("amount", amount.String()))

	return InitiatedPayment{
		Transaction:  t,
		PaymentToken: session.PaymentToken,
		RedirectURL:  session.RedirectURL,
	}, nil
}
