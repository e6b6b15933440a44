package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/payment/dispatcher"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/lock"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"github.com/smallbiznis/billway/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

// slowPlugin delays every call past the dispatcher timeout and keeps no
// record of it, like a gateway whose answer was lost in flight. Its durable
// history is only what tests inject through OverrideInfo.
type slowPlugin struct {
	*plugins.NoOpPlugin
	delay time.Duration
}

func (p *slowPlugin) Purchase(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	time.Sleep(p.delay)
	return domain.PluginCallResult{
		Status:            domain.PluginProcessed,
		ProcessedAmount:   req.Amount,
		ProcessedCurrency: req.Currency,
	}, nil
}

func (p *slowPlugin) Name() string { return "slow" }

type fixture struct {
	svc     domain.Service
	janitor *JanitorService
	retry   *RetryService
	noop    *plugins.NoOpPlugin
	slow    *slowPlugin
	clock   *clock.FakeClock
	db      *gorm.DB
	d       *dispatcher.Dispatcher
}

func newFixture(t *testing.T, control []domain.ControlPlugin) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Payment{},
		&domain.PaymentTransaction{},
		&domain.PaymentAttempt{},
		&domain.RetryNotification{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	cfg := config.Config{Payment: config.PaymentConfig{
		PluginTimeout:       200 * time.Millisecond,
		PluginWorkers:       4,
		LockTTL:             time.Minute,
		LockRetries:         3,
		LockRetryDelay:      5 * time.Millisecond,
		JanitorInterval:     time.Minute,
		JanitorGraceWindow:  12 * time.Hour,
		JanitorGiveUpWindow: 30 * 24 * time.Hour,
		RetryInterval:       time.Minute,
		RetryBatchSize:      100,
	}}

	noop := plugins.NewNoOpPlugin()
	slow := &slowPlugin{NoOpPlugin: plugins.NewNoOpPlugin(), delay: time.Second}
	registry := plugins.NewRegistry([]domain.PaymentPlugin{noop, slow}, control)

	locker := lock.NewMemoryLocker(lock.RetryPolicy{
		TTL:      cfg.Payment.LockTTL,
		Retries:  cfg.Payment.LockRetries,
		Interval: cfg.Payment.LockRetryDelay,
	})
	d := dispatcher.New(zap.NewNop(), cfg.Payment.PluginWorkers, cfg.Payment.PluginTimeout)
	t.Cleanup(d.Stop)

	repo := repository.Provide()
	janitor := NewJanitor(JanitorParams{
		DB: db, Log: zap.NewNop(), Clock: fake, Repo: repo,
		Registry: registry, Locker: locker, Config: cfg,
	})
	controlRunner := NewControlRunner(ControlParams{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake,
		Repo: repo, Registry: registry,
	})
	svc := New(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Config: cfg,
		Repo: repo, Registry: registry, Dispatcher: d, Locker: locker,
		Janitor: janitor, Control: controlRunner,
	})
	retry := NewRetryService(RetryParams{
		DB: db, Log: zap.NewNop(), Clock: fake, Repo: repo,
		Service: svc, Config: cfg,
	})

	return &fixture{
		svc: svc, janitor: janitor, retry: retry,
		noop: noop, slow: slow, clock: fake, db: db, d: d,
	}
}

func purchaseReq(txnKey string) domain.TransactionRequest {
	return domain.TransactionRequest{
		AccountID:              100,
		PaymentMethodID:        200,
		PaymentExternalKey:     "pay-" + txnKey,
		TransactionExternalKey: txnKey,
		Amount:                 2500,
		Currency:               "USD",
		PluginName:             plugins.NoOpPluginName,
	}
}

func TestPurchaseHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	view, err := f.svc.Purchase(context.Background(), purchaseReq("txn-1"))
	require.NoError(t, err)

	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.StateName)
	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.LastSuccessStateName)
	assert.Equal(t, int64(2500), view.Payment.PurchasedAmount)
	require.Len(t, view.Transactions, 1)
	assert.Equal(t, domain.StatusSuccess, view.Transactions[0].Status)
	assert.Equal(t, int64(2500), view.Transactions[0].ProcessedAmount)
}

func TestAuthorizeCaptureRefundFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("auth-1")
	view, err := f.svc.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "AUTH_SUCCESS", view.Payment.LastSuccessStateName)

	capture := req
	capture.TransactionExternalKey = "cap-1"
	capture.Amount = 1500
	view, err = f.svc.Capture(ctx, capture)
	require.NoError(t, err)
	assert.Equal(t, "CAPTURE_SUCCESS", view.Payment.LastSuccessStateName)
	assert.Equal(t, int64(1500), view.Payment.CapturedAmount)

	refund := req
	refund.TransactionExternalKey = "ref-1"
	refund.Amount = 500
	view, err = f.svc.Refund(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, int64(500), view.Payment.RefundedAmount)
	assert.Len(t, view.Transactions, 3)
}

func TestCaptureRequiresAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)

	capture := req
	capture.TransactionExternalKey = "cap-1"
	_, err = f.svc.Capture(ctx, capture)
	assert.Equal(t, domain.CodeInvalidStateChange, domain.CodeOf(err))
}

func TestDuplicateTransactionKeyRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodeDuplicateKey, domain.CodeOf(err))

	// The store holds exactly one successful row under the key.
	var count int64
	f.db.Model(&domain.PaymentTransaction{}).
		Where("external_key = ? AND status = ?", "txn-1", domain.StatusSuccess).
		Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGatewayDeclineThenRetrySucceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{
		Status:           domain.PluginError,
		GatewayErrorCode: "card_declined",
	}, nil)

	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodePaymentFailure, domain.CodeOf(err))

	view, err := f.svc.GetPayment(ctx, req.AccountID, req.PaymentExternalKey, false)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_FAILED", view.Payment.StateName)
	assert.Empty(t, view.Payment.LastSuccessStateName)

	// A failed attempt does not burn the key.
	view, err = f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.LastSuccessStateName)
	assert.Len(t, view.Transactions, 2)
}

func TestPendingTransactionCompletedOnSecondCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{Status: domain.PluginPending}, nil)

	req := purchaseReq("txn-1")
	view, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	require.Len(t, view.Transactions, 1)
	assert.Equal(t, domain.StatusPending, view.Transactions[0].Status)
	pendingID := view.Transactions[0].ID

	// Same key again: the pending row is completed, not duplicated.
	view, err = f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	require.Len(t, view.Transactions, 1)
	assert.Equal(t, pendingID, view.Transactions[0].ID)
	assert.Equal(t, domain.StatusSuccess, view.Transactions[0].Status)
	assert.Equal(t, int64(2500), view.Payment.PurchasedAmount)
}

func TestPluginTimeoutLeavesUnknownAndBlocksKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	req.PluginName = "slow"
	_, err := f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodePluginTimeout, domain.CodeOf(err))

	var txn domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&txn).Error)
	assert.Equal(t, domain.StatusUnknown, txn.Status)

	// The unresolved outcome blocks the key until reconciled. The slow
	// plugin has no durable record yet, so the inline refresh keeps
	// UNKNOWN.
	_, err = f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodeInvalidStateChange, domain.CodeOf(err))
}

func TestJanitorResolvesUnknownFromPluginInfo(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	req.PluginName = "slow"
	_, err := f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodePluginTimeout, domain.CodeOf(err))

	var txn domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&txn).Error)

	// The gateway later confirms the charge went through.
	f.slow.OverrideInfo(txn.PaymentID, []domain.PluginTransactionInfo{{
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionPurchase,
		Status:          domain.PluginProcessed,
		Amount:          2500,
		Currency:        "USD",
	}})

	changed, err := f.janitor.RefreshPayment(ctx, txn.AccountID, txn.PaymentID)
	require.NoError(t, err)
	assert.True(t, changed)

	view, err := f.svc.GetPayment(ctx, req.AccountID, req.PaymentExternalKey, false)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.StateName)
	assert.Equal(t, int64(2500), view.Payment.PurchasedAmount)

	// Reconciling again is a no-op.
	changed, err = f.janitor.RefreshPayment(ctx, txn.AccountID, txn.PaymentID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestJanitorSweepFailsStalePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{Status: domain.PluginPending}, nil)
	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)

	var pending domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&pending).Error)
	// The gateway loses all record of the attempt.
	f.noop.OverrideInfo(pending.PaymentID, nil)

	// Past the grace window with no gateway record, PENDING is failed.
	f.clock.Advance(13 * time.Hour)
	require.NoError(t, f.janitor.SweepOnce(ctx))

	var txn domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&txn).Error)
	assert.Equal(t, domain.StatusPluginFailed, txn.Status)
}

func TestChargebackAndReversal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)

	cb := req
	cb.PluginName = ""
	view, err := f.svc.Chargeback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, "CHARGEBACK_SUCCESS", view.Payment.LastSuccessStateName)

	// Disputed payments cannot be refunded.
	refund := req
	refund.TransactionExternalKey = "ref-1"
	_, err = f.svc.Refund(ctx, refund)
	assert.Equal(t, domain.CodeInvalidStateChange, domain.CodeOf(err))

	view, err = f.svc.ChargebackReversal(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_SUCCESS", view.Payment.LastSuccessStateName)

	_, err = f.svc.Refund(ctx, refund)
	require.NoError(t, err)
}

func TestReadDegradesWhenPluginFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.noop.FailNext(&domain.PluginCallResult{Status: domain.PluginPending}, nil)
	req := purchaseReq("txn-1")
	_, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)

	f.noop.FailNext(nil, errors.New("gateway unreachable"))
	view, err := f.svc.GetPayment(ctx, req.AccountID, req.PaymentExternalKey, true)
	require.NoError(t, err)
	require.Len(t, view.Transactions, 1)
}

func TestPaymentsAreSequencedPerAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Purchase(ctx, purchaseReq("txn-1"))
	require.NoError(t, err)
	second, err := f.svc.Purchase(ctx, purchaseReq("txn-2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Payment.Sequence)
	assert.Equal(t, int64(2), second.Payment.Sequence)

	// A different account starts its own sequence.
	other := purchaseReq("txn-3")
	other.AccountID = 101
	view, err := f.svc.Purchase(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Payment.Sequence)
}

func TestJanitorLogsPluginRecordWithNoStoredRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := purchaseReq("txn-1")
	req.PluginName = "slow"
	_, err := f.svc.Purchase(ctx, req)
	assert.Equal(t, domain.CodePluginTimeout, domain.CodeOf(err))

	var txn domain.PaymentTransaction
	require.NoError(t, f.db.Where("external_key = ?", "txn-1").First(&txn).Error)

	// The gateway confirms the charge, but also reports a transaction this
	// store has never seen.
	f.slow.OverrideInfo(txn.PaymentID, []domain.PluginTransactionInfo{
		{
			TransactionID:   txn.ID,
			TransactionType: domain.TransactionPurchase,
			Status:          domain.PluginProcessed,
			Amount:          2500,
			Currency:        "USD",
		},
		{
			TransactionID:   999999,
			TransactionType: domain.TransactionPurchase,
			Status:          domain.PluginProcessed,
			Amount:          100,
			Currency:        "USD",
		},
	})

	core, logs := observer.New(zap.WarnLevel)
	janitor := NewJanitor(JanitorParams{
		DB:       f.db,
		Log:      zap.New(core),
		Clock:    f.clock,
		Repo:     repository.Provide(),
		Registry: plugins.NewRegistry([]domain.PaymentPlugin{f.noop, f.slow}, nil),
		Locker: lock.NewMemoryLocker(lock.RetryPolicy{
			TTL: time.Minute, Retries: 3, Interval: 5 * time.Millisecond,
		}),
		Config: config.Config{Payment: config.PaymentConfig{
			JanitorInterval:     time.Minute,
			JanitorGraceWindow:  12 * time.Hour,
			JanitorGiveUpWindow: 30 * 24 * time.Hour,
		}},
	})

	changed, err := janitor.RefreshPayment(ctx, txn.AccountID, txn.PaymentID)
	require.NoError(t, err)
	assert.True(t, changed)

	entries := logs.FilterMessage("plugin reported a transaction with no stored row").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(999999), entries[0].ContextMap()["plugin_transaction_id"])
}
