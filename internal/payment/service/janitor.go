package service

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/observability/metrics"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/lock"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JanitorService repairs transactions stranded in PENDING or UNKNOWN by
// asking the plugin what actually happened. It runs in two modes: inline,
// before an operation on the same payment, and as a scheduled sweep.
//
// Repairs are idempotent: reconciling an already-consistent payment is a
// no-op, so overlapping sweeps and inline refreshes are safe.
type JanitorService struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	registry *plugins.Registry
	locker   lock.AccountLocker
	cfg      config.PaymentConfig
}

type JanitorParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     domain.Repository
	Registry *plugins.Registry
	Locker   lock.AccountLocker
	Config   config.Config
}

func NewJanitor(p JanitorParams) *JanitorService {
	return &JanitorService{
		db:       p.DB,
		log:      p.Log.Named("payment.janitor"),
		clock:    p.Clock,
		repo:     p.Repo,
		registry: p.Registry,
		locker:   p.Locker,
		cfg:      p.Config.Payment,
	}
}

// RefreshPayment reconciles one payment's unresolved transactions against
// the plugin. It reports whether any row changed. The caller must hold the
// account lock.
func (j *JanitorService) RefreshPayment(ctx context.Context, accountID, paymentID snowflake.ID) (bool, error) {
	payment, err := j.repo.FindPaymentByID(ctx, j.db, accountID, paymentID)
	if err != nil {
		return false, err
	}
	if payment == nil {
		return false, domain.ErrPaymentNotFound
	}

	txns, err := j.repo.ListTransactions(ctx, j.db, paymentID)
	if err != nil {
		return false, err
	}

	var unresolved []*domain.PaymentTransaction
	for i := range txns {
		if !txns[i].Status.Final() {
			unresolved = append(unresolved, &txns[i])
		}
	}
	if len(unresolved) == 0 {
		return false, nil
	}

	infosByPlugin := map[string][]domain.PluginTransactionInfo{}
	changed := false
	now := j.clock.Now()

	for _, txn := range unresolved {
		if now.Sub(txn.CreatedAt) > j.cfg.JanitorGiveUpWindow {
			// Past the horizon nothing will resolve this automatically;
			// leave it for manual repair.
			j.log.Warn("transaction past give-up horizon",
				zap.Int64("transaction_id", int64(txn.ID)),
				zap.String("status", string(txn.Status)),
			)
			continue
		}

		infos, ok := infosByPlugin[txn.PluginName]
		if !ok {
			plugin, err := j.registry.Plugin(txn.PluginName)
			if err != nil {
				return changed, err
			}
			infos, err = plugin.GetPaymentInfo(ctx, accountID, paymentID)
			if err != nil {
				return changed, err
			}
			infosByPlugin[txn.PluginName] = infos
		}

		updated := j.repair(txn, findInfo(infos, txn.ID), now)
		if !updated {
			continue
		}
		txn.UpdatedAt = now
		if err := j.repo.UpdateTransaction(ctx, j.db, txn); err != nil {
			return changed, err
		}
		metrics.Payment().ObserveJanitorRepair(string(txn.Status))
		changed = true
	}

	j.logUnmatchedInfos(paymentID, txns, infosByPlugin)

	if changed {
		if err := j.advancePayment(ctx, payment); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// logUnmatchedInfos reports plugin records that reference no stored
// transaction; they are ignored otherwise.
func (j *JanitorService) logUnmatchedInfos(paymentID snowflake.ID, txns []domain.PaymentTransaction, infosByPlugin map[string][]domain.PluginTransactionInfo) {
	known := map[snowflake.ID]struct{}{}
	for i := range txns {
		known[txns[i].ID] = struct{}{}
	}
	for pluginName, infos := range infosByPlugin {
		for i := range infos {
			if _, ok := known[infos[i].TransactionID]; ok {
				continue
			}
			j.log.Warn("plugin reported a transaction with no stored row",
				zap.Int64("payment_id", int64(paymentID)),
				zap.Int64("plugin_transaction_id", int64(infos[i].TransactionID)),
				zap.String("plugin", pluginName),
			)
		}
	}
}

// repair decides the transaction's new status from the plugin's answer.
// A plugin that cannot say (no record, or UNDEFINED) keeps the current
// status until the grace window expires, after which PENDING is failed.
func (j *JanitorService) repair(txn *domain.PaymentTransaction, info *domain.PluginTransactionInfo, now time.Time) bool {
	pluginStatus := domain.PluginUndefined
	if info != nil {
		pluginStatus = info.Status
	}

	if pluginStatus == domain.PluginUndefined {
		if txn.Status == domain.StatusPending && now.Sub(txn.CreatedAt) > j.cfg.JanitorGraceWindow {
			txn.Status = domain.StatusPluginFailed
			txn.GatewayErrorMsg = "no gateway resolution within the grace window"
			return true
		}
		return false
	}

	newStatus := domain.TransactionStatusFor(pluginStatus)
	if newStatus == domain.StatusUnknown && txn.Status != domain.StatusUnknown {
		// The plugin knows less than we do; keep what we have.
		return false
	}
	if newStatus == txn.Status {
		return false
	}

	txn.Status = newStatus
	if info != nil {
		txn.ProcessedAmount = info.Amount
		txn.ProcessedCurrency = info.Currency
		txn.GatewayErrorCode = info.GatewayErrorCode
		txn.GatewayErrorMsg = info.GatewayError
	}
	return true
}

// advancePayment re-derives the payment's state from its newest transaction
// and rebuilds the settled amounts from scratch.
func (j *JanitorService) advancePayment(ctx context.Context, payment *domain.Payment) error {
	txns, err := j.repo.ListTransactions(ctx, j.db, payment.ID)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		return nil
	}

	payment.AuthAmount = 0
	payment.CapturedAmount = 0
	payment.PurchasedAmount = 0
	payment.RefundedAmount = 0
	payment.CreditedAmount = 0
	payment.LastSuccessStateName = ""

	for i := range txns {
		txn := &txns[i]
		if txn.Status != domain.StatusSuccess {
			continue
		}
		payment.LastSuccessStateName = domain.StateNameFor(txn.Type, txn.Status)
		switch txn.Type {
		case domain.TransactionAuthorize:
			payment.AuthAmount = txn.ProcessedAmount
		case domain.TransactionCapture:
			payment.CapturedAmount += txn.ProcessedAmount
		case domain.TransactionPurchase:
			payment.PurchasedAmount += txn.ProcessedAmount
		case domain.TransactionRefund:
			payment.RefundedAmount += txn.ProcessedAmount
		case domain.TransactionCredit:
			payment.CreditedAmount += txn.ProcessedAmount
		}
	}

	last := &txns[len(txns)-1]
	payment.StateName = domain.StateNameFor(last.Type, last.Status)
	payment.UpdatedAt = j.clock.Now()
	return j.repo.UpdatePayment(ctx, j.db, payment)
}

// SweepOnce runs one scheduled pass over stuck transactions, reconciling
// each affected payment under its account lock.
func (j *JanitorService) SweepOnce(ctx context.Context) error {
	metrics.Payment().ObserveJanitorSweep()

	cutoff := j.clock.Now().Add(-j.cfg.JanitorGraceWindow)
	stuck, err := j.repo.ListStuckTransactions(ctx, j.db,
		[]domain.TransactionStatus{domain.StatusPending, domain.StatusUnknown},
		cutoff, j.cfg.RetryBatchSize)
	if err != nil {
		return err
	}

	seen := map[snowflake.ID]struct{}{}
	for i := range stuck {
		txn := &stuck[i]
		if _, done := seen[txn.PaymentID]; done {
			continue
		}
		seen[txn.PaymentID] = struct{}{}

		if err := j.refreshUnderLock(ctx, txn.AccountID, txn.PaymentID); err != nil {
			j.log.Warn("janitor refresh failed",
				zap.Int64("payment_id", int64(txn.PaymentID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (j *JanitorService) refreshUnderLock(ctx context.Context, accountID, paymentID snowflake.ID) error {
	release, err := j.locker.Acquire(ctx, strconv.FormatInt(int64(accountID), 10))
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			j.log.Warn("account lock release failed", zap.Error(releaseErr))
		}
	}()
	_, err = j.RefreshPayment(ctx, accountID, paymentID)
	return err
}

// RunForever ticks the sweep until the context ends.
func (j *JanitorService) RunForever(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.SweepOnce(ctx); err != nil {
				j.log.Warn("janitor sweep failed", zap.Error(err))
			}
		}
	}
}

func findInfo(infos []domain.PluginTransactionInfo, id snowflake.ID) *domain.PluginTransactionInfo {
	for i := range infos {
		if infos[i].TransactionID == id {
			return &infos[i]
		}
	}
	return nil
}
