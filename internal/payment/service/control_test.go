package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedControl drives the control chain from tests.
type scriptedControl struct {
	name     string
	abort    bool
	adjustTo int64
	retryAt  time.Time

	priorCalls   int
	successCalls int
	failureCalls int
}

func (c *scriptedControl) Name() string { return c.name }

func (c *scriptedControl) PriorCall(_ context.Context, _ domain.ControlContext) (domain.PriorPaymentControlResult, error) {
	c.priorCalls++
	return domain.PriorPaymentControlResult{
		Aborted:        c.abort,
		AdjustedAmount: c.adjustTo,
	}, nil
}

func (c *scriptedControl) OnSuccessCall(_ context.Context, _ domain.ControlContext) error {
	c.successCalls++
	return nil
}

func (c *scriptedControl) OnFailureCall(_ context.Context, _ domain.ControlContext) (domain.RetryDecision, error) {
	c.failureCalls++
	if !c.retryAt.IsZero() {
		return domain.RetryDecision{Retry: true, NextAt: c.retryAt}, nil
	}
	return domain.RetryDecision{Abandon: true}, nil
}

func controlledReq(txnKey string, controls ...string) domain.TransactionRequest {
	req := purchaseReq(txnKey)
	req.ControlPluginNames = controls
	return req
}

func TestControlPluginAbortsOperation(t *testing.T) {
	control := &scriptedControl{name: "invoice", abort: true}
	f := newFixture(t, []domain.ControlPlugin{control})

	_, err := f.svc.Purchase(context.Background(), controlledReq("txn-1", "invoice"))
	assert.Equal(t, domain.CodeOperationAborted, domain.CodeOf(err))
	assert.Equal(t, 1, control.priorCalls)
	assert.Zero(t, control.successCalls)

	// Nothing reached the gateway or the store.
	var count int64
	f.db.Model(&domain.PaymentTransaction{}).Count(&count)
	assert.Zero(t, count)

	var attempt domain.PaymentAttempt
	require.NoError(t, f.db.Where("transaction_external_key = ?", "txn-1").First(&attempt).Error)
	assert.Equal(t, domain.AttemptAborted, attempt.StateName)
}

func TestControlPluginAdjustsAmount(t *testing.T) {
	control := &scriptedControl{name: "invoice", adjustTo: 1999}
	f := newFixture(t, []domain.ControlPlugin{control})

	view, err := f.svc.Purchase(context.Background(), controlledReq("txn-1", "invoice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1999), view.Payment.PurchasedAmount)
	assert.Equal(t, 1, control.successCalls)

	var attempt domain.PaymentAttempt
	require.NoError(t, f.db.Where("transaction_external_key = ?", "txn-1").First(&attempt).Error)
	assert.Equal(t, domain.AttemptSuccess, attempt.StateName)
}

func TestFailedAttemptIsRetriedFromQueue(t *testing.T) {
	control := &scriptedControl{name: "invoice"}
	f := newFixture(t, []domain.ControlPlugin{control})
	control.retryAt = f.clock.Now().Add(time.Minute)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{
		Status:           domain.PluginError,
		GatewayErrorCode: "insufficient_funds",
	}, nil)

	_, err := f.svc.Purchase(ctx, controlledReq("txn-1", "invoice"))
	assert.Equal(t, domain.CodePaymentFailure, domain.CodeOf(err))
	assert.Equal(t, 1, control.failureCalls)

	var attempt domain.PaymentAttempt
	require.NoError(t, f.db.
		Where("transaction_external_key = ? AND state_name = ?", "txn-1", domain.AttemptFailed).
		First(&attempt).Error)

	// Nothing is due yet.
	require.NoError(t, f.retry.ProcessOnce(ctx))
	var remaining int64
	f.db.Model(&domain.RetryNotification{}).Where("claimed = ?", false).Count(&remaining)
	assert.Equal(t, int64(1), remaining)

	// Once due, the attempt replays and succeeds.
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.retry.ProcessOnce(ctx))

	view, err := f.svc.GetPayment(ctx, 100, "pay-txn-1", false)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.LastSuccessStateName)

	f.db.Model(&domain.RetryNotification{}).Where("claimed = ?", false).Count(&remaining)
	assert.Zero(t, remaining)
}

func TestSuccessCancelsPendingRetries(t *testing.T) {
	control := &scriptedControl{name: "invoice"}
	f := newFixture(t, []domain.ControlPlugin{control})
	control.retryAt = f.clock.Now().Add(time.Hour)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{Status: domain.PluginError}, nil)
	_, err := f.svc.Purchase(ctx, controlledReq("txn-1", "invoice"))
	assert.Equal(t, domain.CodePaymentFailure, domain.CodeOf(err))

	// The caller retries by hand before the queue fires.
	_, err = f.svc.Purchase(ctx, controlledReq("txn-1", "invoice"))
	require.NoError(t, err)

	var remaining int64
	f.db.Model(&domain.RetryNotification{}).Where("claimed = ?", false).Count(&remaining)
	assert.Zero(t, remaining)
}

func TestUnknownControlPluginRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Purchase(context.Background(), controlledReq("txn-1", "missing"))
	assert.ErrorIs(t, err, domain.ErrPluginNotFound)
}

func TestAttemptLinksToItsTransaction(t *testing.T) {
	control := &scriptedControl{name: "invoice"}
	f := newFixture(t, []domain.ControlPlugin{control})
	ctx := context.Background()

	view, err := f.svc.Purchase(ctx, controlledReq("txn-1", "invoice"))
	require.NoError(t, err)
	require.Len(t, view.Transactions, 1)

	var attempt domain.PaymentAttempt
	require.NoError(t, f.db.Where("transaction_external_key = ?", "txn-1").First(&attempt).Error)
	assert.Equal(t, view.Transactions[0].ID, attempt.TransactionID)
}

func TestFailedAttemptLinksToItsTransaction(t *testing.T) {
	control := &scriptedControl{name: "invoice"}
	f := newFixture(t, []domain.ControlPlugin{control})
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{
		Status:           domain.PluginError,
		GatewayErrorCode: "insufficient_funds",
	}, nil)
	_, err := f.svc.Purchase(ctx, controlledReq("txn-1", "invoice"))
	assert.Equal(t, domain.CodePaymentFailure, domain.CodeOf(err))

	var txn domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&txn).Error)

	var attempt domain.PaymentAttempt
	require.NoError(t, f.db.Where("transaction_external_key = ?", "txn-1").First(&attempt).Error)
	assert.Equal(t, txn.ID, attempt.TransactionID)
}
