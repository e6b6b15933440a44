package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	paymentdomain "github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&paymentdomain.Payment{},
		&paymentdomain.PaymentTransaction{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.RetryNotification{},
	))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, node
}

func newTxn(node *snowflake.Node, accountID snowflake.ID, key string, typ paymentdomain.TransactionType, status paymentdomain.TransactionStatus) *paymentdomain.PaymentTransaction {
	return &paymentdomain.PaymentTransaction{
		ID:            node.Generate(),
		PaymentID:     node.Generate(),
		AccountID:     accountID,
		ExternalKey:   key,
		Type:          typ,
		Status:        status,
		Amount:        2500,
		Currency:      "USD",
		PluginName:    "noop",
		EffectiveDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAppendTransactionRejectsSecondSuccess(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()

	first := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusSuccess)
	require.NoError(t, repo.AppendTransaction(ctx, db, first))

	second := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusSuccess)
	err := repo.AppendTransaction(ctx, db, second)
	require.Error(t, err)
	assert.Equal(t, paymentdomain.CodeDataConsistency, paymentdomain.CodeOf(err))
}

func TestAppendTransactionAllowsChargebackBesideSuccess(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()

	purchase := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusSuccess)
	require.NoError(t, repo.AppendTransaction(ctx, db, purchase))

	chargeback := newTxn(node, account, "txn-1", paymentdomain.TransactionChargeback, paymentdomain.StatusSuccess)
	require.NoError(t, repo.AppendTransaction(ctx, db, chargeback))

	// A reversal appends a failed chargeback under the same key.
	reversal := newTxn(node, account, "txn-1", paymentdomain.TransactionChargeback, paymentdomain.StatusPaymentFailed)
	require.NoError(t, repo.AppendTransaction(ctx, db, reversal))
}

func TestAppendTransactionRejectsSecondUnresolvedRow(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()

	pending := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusPending)
	require.NoError(t, repo.AppendTransaction(ctx, db, pending))

	unknown := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusUnknown)
	err := repo.AppendTransaction(ctx, db, unknown)
	require.Error(t, err)
	assert.Equal(t, paymentdomain.CodeDataConsistency, paymentdomain.CodeOf(err))
}

func TestAppendTransactionAllowsRetryAfterFailure(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()

	failed := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusPaymentFailed)
	require.NoError(t, repo.AppendTransaction(ctx, db, failed))

	retry := newTxn(node, account, "txn-1", paymentdomain.TransactionPurchase, paymentdomain.StatusUnknown)
	require.NoError(t, repo.AppendTransaction(ctx, db, retry))
}

func TestFindPaymentReturnsNilWhenMissing(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()

	payment, err := repo.FindPaymentByExternalKey(ctx, db, node.Generate(), "absent")
	require.NoError(t, err)
	assert.Nil(t, payment)
}

func TestClaimDueRetriesClaimsOnlyDueRows(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	due := &paymentdomain.RetryNotification{
		ID:                     node.Generate(),
		AccountID:              account,
		AttemptID:              node.Generate(),
		TransactionExternalKey: "txn-due",
		EffectiveDate:          now.Add(-time.Minute),
	}
	future := &paymentdomain.RetryNotification{
		ID:                     node.Generate(),
		AccountID:              account,
		AttemptID:              node.Generate(),
		TransactionExternalKey: "txn-future",
		EffectiveDate:          now.Add(time.Hour),
	}
	require.NoError(t, repo.ScheduleRetry(ctx, db, due))
	require.NoError(t, repo.ScheduleRetry(ctx, db, future))

	claimed, err := repo.ClaimDueRetries(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "txn-due", claimed[0].TransactionExternalKey)

	// Claimed rows are not handed out again.
	again, err := repo.ClaimDueRetries(ctx, db, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCancelRetriesRemovesUnclaimedOnly(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	account := node.Generate()
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	claimedRow := &paymentdomain.RetryNotification{
		ID:                     node.Generate(),
		AccountID:              account,
		AttemptID:              node.Generate(),
		TransactionExternalKey: "txn-1",
		EffectiveDate:          now.Add(-time.Minute),
		Claimed:                true,
	}
	pendingRow := &paymentdomain.RetryNotification{
		ID:                     node.Generate(),
		AccountID:              account,
		AttemptID:              node.Generate(),
		TransactionExternalKey: "txn-1",
		EffectiveDate:          now.Add(time.Hour),
	}
	require.NoError(t, repo.ScheduleRetry(ctx, db, claimedRow))
	require.NoError(t, repo.ScheduleRetry(ctx, db, pendingRow))

	require.NoError(t, repo.CancelRetries(ctx, db, "txn-1"))

	var remaining []paymentdomain.RetryNotification
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].Claimed)
}
