package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryService drains the retry queue: due notifications are claimed and
// their attempts re-run with the original request and control chain.
type RetryService struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	svc   domain.Service
	cfg   config.PaymentConfig
}

type RetryParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    domain.Repository
	Service domain.Service
	Config  config.Config
}

func NewRetryService(p RetryParams) *RetryService {
	return &RetryService{
		db:    p.DB,
		log:   p.Log.Named("payment.retry"),
		clock: p.Clock,
		repo:  p.Repo,
		svc:   p.Service,
		cfg:   p.Config.Payment,
	}
}

// ProcessOnce claims and re-runs every due notification. A claim is consumed
// even when the re-run fails: the control chain decides whether another
// retry gets scheduled.
func (s *RetryService) ProcessOnce(ctx context.Context) error {
	due, err := s.repo.ClaimDueRetries(ctx, s.db, s.clock.Now(), s.cfg.RetryBatchSize)
	if err != nil {
		return err
	}

	for i := range due {
		notification := &due[i]
		if err := s.replay(ctx, notification); err != nil {
			s.log.Warn("payment retry failed",
				zap.Int64("attempt_id", int64(notification.AttemptID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *RetryService) replay(ctx context.Context, notification *domain.RetryNotification) error {
	attempt, err := s.repo.FindAttempt(ctx, s.db, notification.AttemptID)
	if err != nil {
		return err
	}
	if attempt == nil {
		return domain.Errorf(domain.CodeDataConsistency,
			"retry notification %d references a missing attempt", notification.ID)
	}

	req := domain.TransactionRequest{
		AccountID:              attempt.AccountID,
		PaymentExternalKey:     attempt.PaymentExternalKey,
		TransactionExternalKey: attempt.TransactionExternalKey,
		Amount:                 attempt.Amount,
		Currency:               attempt.Currency,
		PluginName:             attempt.PluginName,
		Properties:             fromJSONMap(attempt.PluginProperties),
	}
	if attempt.ControlPlugins != "" {
		req.ControlPluginNames = strings.Split(attempt.ControlPlugins, ",")
	}

	switch attempt.TransactionType {
	case domain.TransactionAuthorize:
		_, err = s.svc.Authorize(ctx, req)
	case domain.TransactionCapture:
		_, err = s.svc.Capture(ctx, req)
	case domain.TransactionPurchase:
		_, err = s.svc.Purchase(ctx, req)
	case domain.TransactionVoid:
		_, err = s.svc.Void(ctx, req)
	case domain.TransactionRefund:
		_, err = s.svc.Refund(ctx, req)
	case domain.TransactionCredit:
		_, err = s.svc.Credit(ctx, req)
	default:
		return domain.Errorf(domain.CodeInvalidParameter,
			"attempt %d has unretryable type %s", attempt.ID, attempt.TransactionType)
	}
	return err
}

// RunForever ticks the queue until the context ends.
func (s *RetryService) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProcessOnce(ctx); err != nil {
				s.log.Warn("retry queue pass failed", zap.Error(err))
			}
		}
	}
}

func fromJSONMap(properties map[string]interface{}) map[string]string {
	if len(properties) == 0 {
		return nil
	}
	out := make(map[string]string, len(properties))
	for k, v := range properties {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
