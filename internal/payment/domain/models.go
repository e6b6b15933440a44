// Package domain holds the payment model. A payment is an aggregate of
// transactions; each transaction records one attempt against a plugin and
// advances the payment's state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType is the operation a transaction performs against the
// gateway.
type TransactionType string

const (
	TransactionAuthorize  TransactionType = "AUTHORIZE"
	TransactionCapture    TransactionType = "CAPTURE"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionVoid       TransactionType = "VOID"
	TransactionRefund     TransactionType = "REFUND"
	TransactionCredit     TransactionType = "CREDIT"
	TransactionChargeback TransactionType = "CHARGEBACK"
)

// TransactionStatus is the platform's view of a transaction.
//
// PENDING and UNKNOWN are non-terminal: the janitor may still move them.
// UNKNOWN means the plugin's answer was lost or unintelligible; the true
// gateway outcome is unresolved.
type TransactionStatus string

const (
	StatusPending       TransactionStatus = "PENDING"
	StatusSuccess       TransactionStatus = "SUCCESS"
	StatusPaymentFailed TransactionStatus = "PAYMENT_FAILURE"
	StatusPluginFailed  TransactionStatus = "PLUGIN_FAILURE"
	StatusUnknown       TransactionStatus = "UNKNOWN"
)

// Final reports whether the status can no longer change.
func (s TransactionStatus) Final() bool {
	return s == StatusSuccess || s == StatusPaymentFailed || s == StatusPluginFailed
}

// PluginStatus is the plugin's view of a gateway call.
type PluginStatus string

const (
	PluginProcessed PluginStatus = "PROCESSED"
	PluginPending   PluginStatus = "PENDING"
	PluginError     PluginStatus = "ERROR"
	// PluginUndefined means the plugin cannot say what happened.
	PluginUndefined PluginStatus = "UNDEFINED"
)

// TransactionStatusFor maps a plugin's answer to the platform status.
func TransactionStatusFor(s PluginStatus) TransactionStatus {
	switch s {
	case PluginProcessed:
		return StatusSuccess
	case PluginPending:
		return StatusPending
	case PluginError:
		return StatusPaymentFailed
	default:
		return StatusUnknown
	}
}

// Payment is the aggregate root keyed by external key.
type Payment struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null;index"`
	PaymentMethodID snowflake.ID `gorm:"not null"`
	ExternalKey     string       `gorm:"type:text;not null;uniqueIndex"`
	// Sequence numbers the account's payments in creation order.
	Sequence int64 `gorm:"not null;default:0;index"`
	// StateName is the state machine position; LastSuccessStateName is
	// where a resumed run continues from.
	StateName            string `gorm:"type:text;not null"`
	LastSuccessStateName string `gorm:"type:text"`

	AuthAmount      int64  `gorm:"not null;default:0"`
	CapturedAmount  int64  `gorm:"not null;default:0"`
	PurchasedAmount int64  `gorm:"not null;default:0"`
	RefundedAmount  int64  `gorm:"not null;default:0"`
	CreditedAmount  int64  `gorm:"not null;default:0"`
	Currency        string `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

// PaymentTransaction is one attempt of one operation. Transactions are
// append-only; only status, processed amount and gateway error fields are
// updated, and only while non-terminal.
type PaymentTransaction struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	PaymentID snowflake.ID `gorm:"not null;index"`
	AccountID snowflake.ID `gorm:"not null;index"`
	// ExternalKey identifies the logical transaction across retries.
	ExternalKey string            `gorm:"type:text;not null;index"`
	Type        TransactionType   `gorm:"type:text;not null"`
	Status      TransactionStatus `gorm:"type:text;not null;index"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:text;not null"`
	// ProcessedAmount is what the gateway reports it actually settled.
	ProcessedAmount   int64  `gorm:"not null;default:0"`
	ProcessedCurrency string `gorm:"type:text"`

	GatewayErrorCode string `gorm:"type:text"`
	GatewayErrorMsg  string `gorm:"type:text"`
	PluginName       string `gorm:"type:text;not null"`

	EffectiveDate time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// AttemptState tracks a control-plugin orchestrated attempt.
type AttemptState string

const (
	AttemptInit      AttemptState = "INIT"
	AttemptSuccess   AttemptState = "SUCCESS"
	AttemptAborted   AttemptState = "ABORTED"
	AttemptFailed    AttemptState = "RETRIED" // failure routed to the retry queue
	AttemptGivenUp   AttemptState = "ABORTED_FINAL"
	AttemptProcessed AttemptState = "PROCESSED"
)

// PaymentAttempt records one pass through the control-plugin chain.
type PaymentAttempt struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	AccountID              snowflake.ID `gorm:"not null;index"`
	PaymentExternalKey     string       `gorm:"type:text;not null;index"`
	TransactionExternalKey string       `gorm:"type:text;not null;index"`
	TransactionID          snowflake.ID `gorm:""`

	TransactionType TransactionType `gorm:"type:text;not null"`
	StateName       AttemptState    `gorm:"type:text;not null"`
	PluginName      string          `gorm:"type:text;not null"`
	ControlPlugins  string          `gorm:"type:text;not null"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:text;not null"`

	PluginProperties datatypes.JSONMap `gorm:"type:jsonb"`

	EffectiveDate time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// RetryNotification schedules a failed attempt for a later retry run.
type RetryNotification struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	AccountID              snowflake.ID `gorm:"not null;index"`
	AttemptID              snowflake.ID `gorm:"not null;index"`
	TransactionExternalKey string       `gorm:"type:text;not null"`
	EffectiveDate          time.Time    `gorm:"not null;index"`
	Claimed                bool         `gorm:"not null;default:false"`
	CreatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (RetryNotification) TableName() string { return "payment_retry_notifications" }
