package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/observability/metrics"
	"github.com/smallbiznis/billway/internal/payment/dispatcher"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/lock"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"github.com/smallbiznis/billway/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runner executes one gateway operation under the account lock, advancing
// the payment state machine.
//
// The transaction row is persisted as UNKNOWN before the plugin is called:
// a crash or timeout mid-call leaves a durable row for the janitor to
// resolve, never a gateway charge with no local trace.
type runner struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	registry   *plugins.Registry
	dispatcher *dispatcher.Dispatcher
	locker     lock.AccountLocker
	janitor    *JanitorService
}

func (r *runner) run(ctx context.Context, txType domain.TransactionType, req domain.TransactionRequest) (*domain.PaymentView, error) {
	if err := validate(txType, req); err != nil {
		return nil, err
	}

	lockStart := r.clock.Now()
	release, err := r.locker.Acquire(ctx, strconv.FormatInt(int64(req.AccountID), 10))
	metrics.Payment().ObserveLockWait(r.clock.Now().Sub(lockStart).Seconds())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.Payment().ObserveLockContention()
			return nil, domain.Errorf(domain.CodeAccountLocked,
				"account %d is locked by another payment operation", req.AccountID)
		}
		return nil, err
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.log.Warn("account lock release failed", zap.Error(releaseErr))
		}
	}()

	payment, err := r.loadOrCreate(ctx, txType, &req)
	if err != nil {
		return nil, err
	}

	// Unresolved rows block the state machine; give the janitor one chance
	// to settle them before deciding.
	if r.janitor != nil && payment.ID != 0 {
		if _, refreshErr := r.janitor.RefreshPayment(ctx, payment.AccountID, payment.ID); refreshErr != nil {
			r.log.Debug("inline reconciliation failed", zap.Error(refreshErr))
		} else if refreshed, findErr := r.repo.FindPaymentByID(ctx, r.db, payment.AccountID, payment.ID); findErr == nil && refreshed != nil {
			payment = refreshed
		}
	}

	pending, err := r.resolvePending(ctx, payment, txType, req)
	if err != nil {
		return nil, err
	}

	if pending == nil && !domain.CanTransition(payment.LastSuccessStateName, txType) {
		return nil, domain.Errorf(domain.CodeInvalidStateChange,
			"operation %s not allowed from state %s", txType, payment.LastSuccessStateName)
	}

	switch txType {
	case domain.TransactionChargeback:
		return r.recordChargeback(ctx, payment, req)
	}

	txn := pending
	if txn == nil {
		txn = &domain.PaymentTransaction{
			ID:            r.genID.Generate(),
			PaymentID:     payment.ID,
			AccountID:     payment.AccountID,
			ExternalKey:   req.TransactionExternalKey,
			Type:          txType,
			Status:        domain.StatusUnknown,
			Amount:        req.Amount,
			Currency:      req.Currency,
			PluginName:    req.PluginName,
			EffectiveDate: r.clock.Now(),
			CreatedAt:     r.clock.Now(),
			UpdatedAt:     r.clock.Now(),
		}
		if err := r.repo.AppendTransaction(ctx, r.db, txn); err != nil {
			return nil, err
		}
	}

	result, callErr := r.callPlugin(ctx, txType, payment, txn, req)
	status := r.statusFor(result, callErr)

	txn.Status = status
	txn.ProcessedAmount = result.ProcessedAmount
	txn.ProcessedCurrency = result.ProcessedCurrency
	txn.GatewayErrorCode = result.GatewayErrorCode
	txn.GatewayErrorMsg = result.GatewayError
	txn.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateTransaction(ctx, r.db, txn); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, payment, txn); err != nil {
		return nil, err
	}

	if opErr := operationError(txn, callErr); opErr != nil {
		return nil, opErr
	}
	return r.view(ctx, payment)
}

func validate(txType domain.TransactionType, req domain.TransactionRequest) error {
	if req.AccountID == 0 {
		return domain.Errorf(domain.CodeInvalidParameter, "account id is required")
	}
	if req.TransactionExternalKey == "" {
		return domain.Errorf(domain.CodeInvalidParameter, "transaction external key is required")
	}
	if req.Amount <= 0 && txType != domain.TransactionVoid {
		return domain.Errorf(domain.CodeInvalidParameter, "amount must be positive")
	}
	if req.PluginName == "" && txType != domain.TransactionChargeback {
		return domain.Errorf(domain.CodeInvalidParameter, "plugin name is required")
	}
	return nil
}

func (r *runner) loadOrCreate(ctx context.Context, txType domain.TransactionType, req *domain.TransactionRequest) (*domain.Payment, error) {
	if req.PaymentExternalKey == "" {
		if !domain.OpensPayment(txType) {
			return nil, domain.Errorf(domain.CodeInvalidParameter,
				"payment external key is required for %s", txType)
		}
		req.PaymentExternalKey = uuid.NewString()
	}

	payment, err := r.repo.FindPaymentByExternalKey(ctx, r.db, req.AccountID, req.PaymentExternalKey)
	if err != nil {
		return nil, err
	}
	if payment != nil {
		return payment, nil
	}
	if !domain.OpensPayment(txType) {
		return nil, domain.Errorf(domain.CodePaymentNotFound,
			"payment %s not found", req.PaymentExternalKey)
	}

	sequence, err := r.repo.NextPaymentSequence(ctx, r.db, req.AccountID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	payment = &domain.Payment{
		ID:              r.genID.Generate(),
		AccountID:       req.AccountID,
		PaymentMethodID: req.PaymentMethodID,
		ExternalKey:     req.PaymentExternalKey,
		Sequence:        sequence,
		StateName:       domain.StateInit,
		Currency:        req.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.Errorf(domain.CodeDuplicateKey,
				"payment external key %s is already in use", req.PaymentExternalKey)
		}
		return nil, err
	}
	return payment, nil
}

// resolvePending returns the transaction to complete when the request
// re-uses the key of a PENDING row, and rejects keys the state machine can
// no longer act on.
func (r *runner) resolvePending(ctx context.Context, payment *domain.Payment, txType domain.TransactionType, req domain.TransactionRequest) (*domain.PaymentTransaction, error) {
	siblings, err := r.repo.FindTransactionsByExternalKey(ctx, r.db, req.AccountID, req.TransactionExternalKey)
	if err != nil {
		return nil, err
	}

	var candidate *domain.PaymentTransaction
	for i := range siblings {
		sibling := &siblings[i]
		switch sibling.Status {
		case domain.StatusPending:
			if candidate != nil {
				return nil, domain.Errorf(domain.CodeDataConsistency,
					"transaction key %s has multiple unresolved transactions", req.TransactionExternalKey)
			}
			candidate = sibling
		case domain.StatusUnknown:
			// The true gateway outcome is unresolved; only the janitor may
			// move this row.
			return nil, domain.Errorf(domain.CodeInvalidStateChange,
				"transaction key %s has an UNKNOWN transaction awaiting reconciliation", req.TransactionExternalKey)
		case domain.StatusSuccess:
			if txType != domain.TransactionChargeback {
				return nil, domain.Errorf(domain.CodeDuplicateKey,
					"transaction key %s already succeeded", req.TransactionExternalKey)
			}
		}
	}
	if candidate != nil && candidate.Type != txType {
		return nil, domain.Errorf(domain.CodeInvalidStateChange,
			"pending transaction under key %s is a %s, not a %s",
			req.TransactionExternalKey, candidate.Type, txType)
	}
	return candidate, nil
}

func (r *runner) callPlugin(ctx context.Context, txType domain.TransactionType, payment *domain.Payment, txn *domain.PaymentTransaction, req domain.TransactionRequest) (domain.PluginCallResult, error) {
	plugin, err := r.registry.Plugin(req.PluginName)
	if err != nil {
		return domain.PluginCallResult{}, err
	}

	call := domain.PluginCallRequest{
		AccountID:              payment.AccountID,
		PaymentID:              payment.ID,
		TransactionID:          txn.ID,
		PaymentExternalKey:     payment.ExternalKey,
		TransactionExternalKey: txn.ExternalKey,
		TransactionType:        txType,
		Amount:                 txn.Amount,
		Currency:               txn.Currency,
		Properties:             req.Properties,
	}

	timer := metrics.Payment().PluginCallTimer(req.PluginName, string(txType))
	defer timer.ObserveDuration()

	value, err := r.dispatcher.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		switch txType {
		case domain.TransactionAuthorize:
			return plugin.Authorize(ctx, call)
		case domain.TransactionCapture:
			return plugin.Capture(ctx, call)
		case domain.TransactionPurchase:
			return plugin.Purchase(ctx, call)
		case domain.TransactionVoid:
			return plugin.Void(ctx, call)
		case domain.TransactionRefund:
			return plugin.Refund(ctx, call)
		case domain.TransactionCredit:
			return plugin.Credit(ctx, call)
		default:
			return domain.PluginCallResult{}, fmt.Errorf("unsupported transaction type %s", txType)
		}
	})
	if err != nil {
		return domain.PluginCallResult{}, err
	}
	return value.(domain.PluginCallResult), nil
}

// statusFor maps the call outcome to the stored status. A timeout keeps the
// row UNKNOWN: the gateway may still have acted.
func (r *runner) statusFor(result domain.PluginCallResult, callErr error) domain.TransactionStatus {
	if callErr != nil {
		if errors.Is(callErr, dispatcher.ErrTimeout) {
			return domain.StatusUnknown
		}
		return domain.StatusPluginFailed
	}
	return domain.TransactionStatusFor(result.Status)
}

// advance moves the payment to the state reached by the transaction and
// folds settled amounts into the aggregate.
func (r *runner) advance(ctx context.Context, payment *domain.Payment, txn *domain.PaymentTransaction) error {
	payment.StateName = domain.StateNameFor(txn.Type, txn.Status)
	if txn.Status == domain.StatusSuccess {
		payment.LastSuccessStateName = payment.StateName
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
	payment.UpdatedAt = r.clock.Now()
	return r.repo.UpdatePayment(ctx, r.db, payment)
}

// recordChargeback stores gateway-notified dispute outcomes. Chargebacks do
// not go through the plugin: the gateway already acted.
func (r *runner) recordChargeback(ctx context.Context, payment *domain.Payment, req domain.TransactionRequest) (*domain.PaymentView, error) {
	now := r.clock.Now()
	txn := &domain.PaymentTransaction{
		ID:              r.genID.Generate(),
		PaymentID:       payment.ID,
		AccountID:       payment.AccountID,
		ExternalKey:     req.TransactionExternalKey,
		Type:            domain.TransactionChargeback,
		Status:          domain.StatusSuccess,
		Amount:          req.Amount,
		Currency:        req.Currency,
		ProcessedAmount: req.Amount,
		PluginName:      req.PluginName,
		EffectiveDate:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.repo.AppendTransaction(ctx, r.db, txn); err != nil {
		return nil, err
	}
	if err := r.advance(ctx, payment, txn); err != nil {
		return nil, err
	}
	return r.view(ctx, payment)
}

// reverseChargeback records a won dispute under the chargeback's key. The
// countering row is a failed chargeback, and the payment's resumable state
// is restored to the last non-dispute success.
func (r *runner) reverseChargeback(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	if req.AccountID == 0 || req.TransactionExternalKey == "" {
		return nil, domain.Errorf(domain.CodeInvalidParameter, "account id and transaction external key are required")
	}

	lockStart := r.clock.Now()
	release, err := r.locker.Acquire(ctx, strconv.FormatInt(int64(req.AccountID), 10))
	metrics.Payment().ObserveLockWait(r.clock.Now().Sub(lockStart).Seconds())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.Payment().ObserveLockContention()
			return nil, domain.Errorf(domain.CodeAccountLocked,
				"account %d is locked by another payment operation", req.AccountID)
		}
		return nil, err
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.log.Warn("account lock release failed", zap.Error(releaseErr))
		}
	}()

	siblings, err := r.repo.FindTransactionsByExternalKey(ctx, r.db, req.AccountID, req.TransactionExternalKey)
	if err != nil {
		return nil, err
	}
	var chargeback *domain.PaymentTransaction
	for i := range siblings {
		if siblings[i].Type == domain.TransactionChargeback && siblings[i].Status == domain.StatusSuccess {
			chargeback = &siblings[i]
		}
	}
	if chargeback == nil {
		return nil, domain.Errorf(domain.CodeInvalidStateChange,
			"no successful chargeback under key %s to reverse", req.TransactionExternalKey)
	}

	payment, err := r.repo.FindPaymentByID(ctx, r.db, req.AccountID, chargeback.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}

	now := r.clock.Now()
	reversal := &domain.PaymentTransaction{
		ID:            r.genID.Generate(),
		PaymentID:     payment.ID,
		AccountID:     payment.AccountID,
		ExternalKey:   req.TransactionExternalKey,
		Type:          domain.TransactionChargeback,
		Status:        domain.StatusPaymentFailed,
		Amount:        chargeback.Amount,
		Currency:      chargeback.Currency,
		PluginName:    chargeback.PluginName,
		EffectiveDate: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.AppendTransaction(ctx, r.db, reversal); err != nil {
		return nil, err
	}

	txns, err := r.repo.ListTransactions(ctx, r.db, payment.ID)
	if err != nil {
		return nil, err
	}
	payment.LastSuccessStateName = ""
	for i := range txns {
		txn := &txns[i]
		if txn.Status == domain.StatusSuccess && txn.Type != domain.TransactionChargeback {
			payment.LastSuccessStateName = domain.StateNameFor(txn.Type, txn.Status)
		}
	}
	payment.StateName = payment.LastSuccessStateName
	payment.UpdatedAt = now
	if err := r.repo.UpdatePayment(ctx, r.db, payment); err != nil {
		return nil, err
	}
	return r.view(ctx, payment)
}

func (r *runner) view(ctx context.Context, payment *domain.Payment) (*domain.PaymentView, error) {
	txns, err := r.repo.ListTransactions(ctx, r.db, payment.ID)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentView{Payment: payment, Transactions: txns}, nil
}

// operationError translates a non-successful outcome into the caller-facing
// error; the stored rows already reflect it.
func operationError(txn *domain.PaymentTransaction, callErr error) error {
	switch txn.Status {
	case domain.StatusSuccess, domain.StatusPending:
		return nil
	case domain.StatusUnknown:
		return domain.WrapErr(domain.CodePluginTimeout, callErr,
			"plugin did not answer in time; transaction left for reconciliation")
	case domain.StatusPluginFailed:
		return domain.WrapErr(domain.CodePluginFailure, callErr, "plugin call failed")
	default:
		return domain.Errorf(domain.CodePaymentFailure,
			"gateway declined: %s %s", txn.GatewayErrorCode, txn.GatewayErrorMsg)
	}
}
