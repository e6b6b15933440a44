package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PluginCallRequest carries everything a plugin needs to execute one gateway
// operation.
type PluginCallRequest struct {
	AccountID              snowflake.ID
	PaymentID              snowflake.ID
	TransactionID          snowflake.ID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        TransactionType
	Amount                 int64
	Currency               string
	Properties             map[string]string
}

// PluginCallResult is a plugin's answer for one gateway operation.
type PluginCallResult struct {
	Status            PluginStatus
	ProcessedAmount   int64
	ProcessedCurrency string
	GatewayErrorCode  string
	GatewayError      string
}

// PluginTransactionInfo is the plugin's durable record of a past
// transaction, fetched when reconciling.
type PluginTransactionInfo struct {
	TransactionID    snowflake.ID
	TransactionType  TransactionType
	Status           PluginStatus
	Amount           int64
	Currency         string
	GatewayErrorCode string
	GatewayError     string
	CreatedDate      time.Time
}

// PaymentPlugin is the gateway integration contract. Implementations must be
// safe for concurrent use; calls are dispatched from a shared worker pool.
type PaymentPlugin interface {
	Name() string

	Authorize(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)
	Capture(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)
	Purchase(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)
	Void(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)
	Refund(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)
	Credit(ctx context.Context, req PluginCallRequest) (PluginCallResult, error)

	// GetPaymentInfo returns the plugin's records for every transaction of
	// the payment, used to repair transactions stuck in PENDING or UNKNOWN.
	GetPaymentInfo(ctx context.Context, accountID, paymentID snowflake.ID) ([]PluginTransactionInfo, error)
}

// PriorPaymentControlResult is a control plugin's verdict before the gateway
// call.
type PriorPaymentControlResult struct {
	Aborted bool
	// AdjustedAmount, when non-zero, replaces the requested amount.
	AdjustedAmount     int64
	AdjustedCurrency   string
	AdjustedPluginName string
	Properties         map[string]string
}

// ControlContext is handed through a control-plugin chain.
type ControlContext struct {
	AccountID              snowflake.ID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        TransactionType
	Amount                 int64
	Currency               string
	PluginName             string
	AttemptID              snowflake.ID
	Properties             map[string]string
}

// RetryDecision tells the control runner whether a failed attempt should be
// retried, and when.
type RetryDecision struct {
	Retry   bool
	NextAt  time.Time
	Abandon bool
}

// ControlPlugin wraps a payment run with orchestration: aborting, amount
// adjustment, and retry scheduling.
type ControlPlugin interface {
	Name() string

	PriorCall(ctx context.Context, control ControlContext) (PriorPaymentControlResult, error)
	OnSuccessCall(ctx context.Context, control ControlContext) error
	// OnFailureCall decides whether to schedule a retry for the failed
	// attempt.
	OnFailureCall(ctx context.Context, control ControlContext) (RetryDecision, error)
}
