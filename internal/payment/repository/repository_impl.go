package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/billway/internal/payment/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() paymentdomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) UpdatePayment(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repositoryImpl) FindPaymentByID(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.findPayment(ctx, db, "account_id = ? AND id = ?", accountID, id)
}

func (r *repositoryImpl) FindPaymentByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) (*paymentdomain.Payment, error) {
	return r.findPayment(ctx, db, "account_id = ? AND external_key = ?", accountID, externalKey)
}

func (r *repositoryImpl) NextPaymentSequence(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	var max int64
	err := db.WithContext(ctx).
		Model(&paymentdomain.Payment{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *repositoryImpl) findPayment(ctx context.Context, db *gorm.DB, query string, args ...interface{}) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := db.WithContext(ctx).Where(query, args...).First(&payment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// AppendTransaction inserts a transaction after validating the per-key
// invariants against rows already stored under the same external key:
// at most one SUCCESS (chargebacks excepted, a reversal re-instates the
// payment under the same key) and at most one unresolved row that could
// still complete.
func (r *repositoryImpl) AppendTransaction(ctx context.Context, db *gorm.DB, txn *paymentdomain.PaymentTransaction) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var siblings []paymentdomain.PaymentTransaction
		err := tx.
			Where("account_id = ? AND external_key = ?", txn.AccountID, txn.ExternalKey).
			Find(&siblings).Error
		if err != nil {
			return err
		}

		for i := range siblings {
			sibling := &siblings[i]
			if sibling.Status == paymentdomain.StatusSuccess &&
				txn.Status == paymentdomain.StatusSuccess &&
				txn.Type != paymentdomain.TransactionChargeback &&
				sibling.Type != paymentdomain.TransactionChargeback {
				return paymentdomain.Errorf(paymentdomain.CodeDataConsistency,
					"transaction key %s already has a successful transaction", txn.ExternalKey)
			}
			if !sibling.Status.Final() && !txn.Status.Final() {
				return paymentdomain.Errorf(paymentdomain.CodeDataConsistency,
					"transaction key %s already has an unresolved transaction", txn.ExternalKey)
			}
		}
		return tx.Create(txn).Error
	})
}

func (r *repositoryImpl) UpdateTransaction(ctx context.Context, db *gorm.DB, txn *paymentdomain.PaymentTransaction) error {
	return db.WithContext(ctx).Save(txn).Error
}

func (r *repositoryImpl) ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]paymentdomain.PaymentTransaction, error) {
	var txns []paymentdomain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repositoryImpl) FindTransactionsByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) ([]paymentdomain.PaymentTransaction, error) {
	var txns []paymentdomain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("account_id = ? AND external_key = ?", accountID, externalKey).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repositoryImpl) ListStuckTransactions(ctx context.Context, db *gorm.DB, statuses []paymentdomain.TransactionStatus, olderThan time.Time, limit int) ([]paymentdomain.PaymentTransaction, error) {
	var txns []paymentdomain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", statuses, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repositoryImpl) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *paymentdomain.PaymentAttempt) error {
	return db.WithContext(ctx).Create(attempt).Error
}

func (r *repositoryImpl) UpdateAttempt(ctx context.Context, db *gorm.DB, attempt *paymentdomain.PaymentAttempt) error {
	return db.WithContext(ctx).Save(attempt).Error
}

func (r *repositoryImpl) FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*paymentdomain.PaymentAttempt, error) {
	var attempt paymentdomain.PaymentAttempt
	err := db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (r *repositoryImpl) ScheduleRetry(ctx context.Context, db *gorm.DB, notification *paymentdomain.RetryNotification) error {
	return db.WithContext(ctx).Create(notification).Error
}

func (r *repositoryImpl) CancelRetries(ctx context.Context, db *gorm.DB, transactionExternalKey string) error {
	return db.WithContext(ctx).
		Where("transaction_external_key = ? AND claimed = ?", transactionExternalKey, false).
		Delete(&paymentdomain.RetryNotification{}).Error
}

// ClaimDueRetries claims due notifications so concurrent retry runners do
// not double-process them. Postgres skips rows locked by another runner.
func (r *repositoryImpl) ClaimDueRetries(ctx context.Context, db *gorm.DB, due time.Time, limit int) ([]paymentdomain.RetryNotification, error) {
	var claimed []paymentdomain.RetryNotification
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `
			SELECT * FROM payment_retry_notifications
			WHERE claimed = FALSE AND effective_date <= ?
			ORDER BY effective_date ASC
			LIMIT ?`
		if tx.Dialector.Name() == "postgres" {
			query += " FOR UPDATE SKIP LOCKED"
		}
		if err := tx.Raw(query, due, limit).Scan(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
		}
		return tx.Model(&paymentdomain.RetryNotification{}).
			Where("id IN ?", ids).
			Update("claimed", true).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
