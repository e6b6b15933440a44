package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/observability/metrics"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ControlRunner wraps a payment run with a control-plugin chain: plugins see
// the request before the gateway call (and may abort or adjust it), and are
// told about the outcome afterwards. Each pass is recorded as a payment
// attempt; failures may be handed to the retry queue.
type ControlRunner struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo     domain.Repository
	registry *plugins.Registry
}

type ControlParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Registry *plugins.Registry
}

func NewControlRunner(p ControlParams) *ControlRunner {
	return &ControlRunner{
		db:       p.DB,
		log:      p.Log.Named("payment.control"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		registry: p.Registry,
	}
}

func (c *ControlRunner) Run(ctx context.Context, r *runner, txType domain.TransactionType, req domain.TransactionRequest) (*domain.PaymentView, error) {
	chain := make([]domain.ControlPlugin, 0, len(req.ControlPluginNames))
	for _, name := range req.ControlPluginNames {
		plugin, err := c.registry.ControlPlugin(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, plugin)
	}

	now := c.clock.Now()
	attempt := &domain.PaymentAttempt{
		ID:                     c.genID.Generate(),
		AccountID:              req.AccountID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		TransactionType:        txType,
		StateName:              domain.AttemptInit,
		PluginName:             req.PluginName,
		ControlPlugins:         strings.Join(req.ControlPluginNames, ","),
		Amount:                 req.Amount,
		Currency:               req.Currency,
		PluginProperties:       toJSONMap(req.Properties),
		EffectiveDate:          now,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := c.repo.InsertAttempt(ctx, c.db, attempt); err != nil {
		return nil, err
	}

	control := domain.ControlContext{
		AccountID:              req.AccountID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		TransactionType:        txType,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		PluginName:             req.PluginName,
		AttemptID:              attempt.ID,
		Properties:             req.Properties,
	}

	// Prior chain: any plugin may abort or adjust what is about to run.
	for _, plugin := range chain {
		prior, err := plugin.PriorCall(ctx, control)
		if err != nil {
			c.finishAttempt(ctx, attempt, domain.AttemptAborted)
			return nil, err
		}
		if prior.Aborted {
			c.finishAttempt(ctx, attempt, domain.AttemptAborted)
			return nil, domain.Errorf(domain.CodeOperationAborted,
				"operation aborted by control plugin %s", plugin.Name())
		}
		if prior.AdjustedAmount > 0 {
			req.Amount = prior.AdjustedAmount
			control.Amount = prior.AdjustedAmount
		}
		if prior.AdjustedCurrency != "" {
			req.Currency = prior.AdjustedCurrency
			control.Currency = prior.AdjustedCurrency
		}
		if prior.AdjustedPluginName != "" {
			req.PluginName = prior.AdjustedPluginName
			control.PluginName = prior.AdjustedPluginName
		}
		for k, v := range prior.Properties {
			if req.Properties == nil {
				req.Properties = map[string]string{}
			}
			req.Properties[k] = v
		}
	}

	view, runErr := r.run(ctx, txType, req)
	c.linkTransaction(ctx, attempt, view)
	if runErr == nil {
		for _, plugin := range chain {
			if err := plugin.OnSuccessCall(ctx, control); err != nil {
				c.log.Warn("control plugin success callback failed",
					zap.String("plugin", plugin.Name()), zap.Error(err))
			}
		}
		c.finishAttempt(ctx, attempt, domain.AttemptSuccess)
		if err := c.repo.CancelRetries(ctx, c.db, req.TransactionExternalKey); err != nil {
			c.log.Warn("retry cancellation failed", zap.Error(err))
		}
		return view, nil
	}

	// Failure chain, walked in reverse: the last plugin to see the request
	// is the first to learn it failed.
	state := domain.AttemptGivenUp
	for i := len(chain) - 1; i >= 0; i-- {
		decision, err := chain[i].OnFailureCall(ctx, control)
		if err != nil {
			c.log.Warn("control plugin failure callback failed",
				zap.String("plugin", chain[i].Name()), zap.Error(err))
			continue
		}
		if decision.Abandon {
			state = domain.AttemptGivenUp
			break
		}
		if decision.Retry {
			if err := c.scheduleRetry(ctx, attempt, decision); err != nil {
				c.log.Warn("retry scheduling failed", zap.Error(err))
				continue
			}
			state = domain.AttemptFailed
			break
		}
	}
	c.finishAttempt(ctx, attempt, state)
	return view, runErr
}

// linkTransaction records which transaction row the attempt produced. A
// failed run returns no view, so the row is looked up by its external key.
func (c *ControlRunner) linkTransaction(ctx context.Context, attempt *domain.PaymentAttempt, view *domain.PaymentView) {
	if view != nil {
		for i := range view.Transactions {
			if view.Transactions[i].ExternalKey == attempt.TransactionExternalKey {
				attempt.TransactionID = view.Transactions[i].ID
			}
		}
		return
	}
	rows, err := c.repo.FindTransactionsByExternalKey(ctx, c.db, attempt.AccountID, attempt.TransactionExternalKey)
	if err != nil {
		c.log.Warn("transaction lookup for attempt failed", zap.Error(err))
		return
	}
	for i := range rows {
		attempt.TransactionID = rows[i].ID
	}
}

func (c *ControlRunner) scheduleRetry(ctx context.Context, attempt *domain.PaymentAttempt, decision domain.RetryDecision) error {
	notification := &domain.RetryNotification{
		ID:                     c.genID.Generate(),
		AccountID:              attempt.AccountID,
		AttemptID:              attempt.ID,
		TransactionExternalKey: attempt.TransactionExternalKey,
		EffectiveDate:          decision.NextAt,
		CreatedAt:              c.clock.Now(),
	}
	if err := c.repo.ScheduleRetry(ctx, c.db, notification); err != nil {
		return err
	}
	metrics.Payment().ObserveRetryScheduled()
	return nil
}

func (c *ControlRunner) finishAttempt(ctx context.Context, attempt *domain.PaymentAttempt, state domain.AttemptState) {
	attempt.StateName = state
	attempt.UpdatedAt = c.clock.Now()
	if err := c.repo.UpdateAttempt(ctx, c.db, attempt); err != nil {
		c.log.Warn("attempt update failed",
			zap.Int64("attempt_id", int64(attempt.ID)), zap.Error(err))
	}
}

func toJSONMap(properties map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range properties {
		out[k] = v
	}
	return out
}
