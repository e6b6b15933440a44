package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransactionRequest is one gateway operation against a payment. A zero
// PaymentExternalKey on the first operation creates the payment.
type TransactionRequest struct {
	AccountID       snowflake.ID
	PaymentMethodID snowflake.ID

	PaymentExternalKey     string
	TransactionExternalKey string

	Amount   int64
	Currency string

	PluginName string
	Properties map[string]string

	// ControlPluginNames, when set, route the call through the control
	// runner (abort, amount adjustment, retry scheduling).
	ControlPluginNames []string
}

// PaymentView is a read model: the payment with its transactions, optionally
// refreshed against the plugin.
type PaymentView struct {
	Payment      *Payment
	Transactions []PaymentTransaction
}

type Service interface {
	Authorize(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Capture(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Purchase(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Void(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Refund(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Credit(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	Chargeback(ctx context.Context, req TransactionRequest) (*PaymentView, error)
	// ChargebackReversal re-instates the payment after a won dispute; it is
	// the one case where a second SUCCESS may exist under a transaction key.
	ChargebackReversal(ctx context.Context, req TransactionRequest) (*PaymentView, error)

	// GetPayment returns the stored view. withPluginInfo additionally asks
	// the plugin to refresh unresolved transactions; plugin failure degrades
	// to the stored view instead of failing the read.
	GetPayment(ctx context.Context, accountID snowflake.ID, externalKey string, withPluginInfo bool) (*PaymentView, error)
	GetPaymentByID(ctx context.Context, accountID, paymentID snowflake.ID, withPluginInfo bool) (*PaymentView, error)
}

// Janitor repairs transactions left in PENDING or UNKNOWN.
type Janitor interface {
	// RefreshPayment reconciles one payment against its plugin on demand,
	// reporting whether anything changed.
	RefreshPayment(ctx context.Context, accountID, paymentID snowflake.ID) (bool, error)
	// SweepOnce runs one scheduled pass over stuck transactions.
	SweepOnce(ctx context.Context) error
}

// Repository is the payment store. Every method runs on the caller-supplied
// handle so multi-row writes commit as one unit of work.
type Repository interface {
	UpdatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPaymentByID(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*Payment, error)
	FindPaymentByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) (*Payment, error)
	// NextPaymentSequence numbers a new payment within its account. Callers
	// hold the account lock, so max+1 cannot race.
	NextPaymentSequence(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)

	// AppendTransaction enforces the transaction-key invariants: at most one
	// SUCCESS per key (chargeback excepted) and at most one unresolved
	// completion candidate per key.
	AppendTransaction(ctx context.Context, db *gorm.DB, txn *PaymentTransaction) error
	UpdateTransaction(ctx context.Context, db *gorm.DB, txn *PaymentTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentTransaction, error)
	FindTransactionsByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) ([]PaymentTransaction, error)

	// ListStuckTransactions returns PENDING/UNKNOWN transactions older than
	// the cutoff, oldest first.
	ListStuckTransactions(ctx context.Context, db *gorm.DB, statuses []TransactionStatus, olderThan time.Time, limit int) ([]PaymentTransaction, error)

	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	UpdateAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentAttempt, error)

	ScheduleRetry(ctx context.Context, db *gorm.DB, notification *RetryNotification) error
	CancelRetries(ctx context.Context, db *gorm.DB, transactionExternalKey string) error
	// ClaimDueRetries marks due notifications claimed and returns them.
	ClaimDueRetries(ctx context.Context, db *gorm.DB, due time.Time, limit int) ([]RetryNotification, error)
}
