package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/payment/dispatcher"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/lock"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       domain.Repository
	Registry   *plugins.Registry
	Dispatcher *dispatcher.Dispatcher
	Locker     lock.AccountLocker
	Janitor    *JanitorService
	Control    *ControlRunner
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	runner  *runner
	control *ControlRunner
	janitor *JanitorService
}

func New(p Params) domain.Service {
	log := p.Log.Named("payment.service")
	return &Service{
		db:   p.DB,
		log:  log,
		repo: p.Repo,
		runner: &runner{
			db:         p.DB,
			log:        log,
			genID:      p.GenID,
			clock:      p.Clock,
			repo:       p.Repo,
			registry:   p.Registry,
			dispatcher: p.Dispatcher,
			locker:     p.Locker,
			janitor:    p.Janitor,
		},
		control: p.Control,
		janitor: p.Janitor,
	}
}

func (s *Service) execute(ctx context.Context, txType domain.TransactionType, req domain.TransactionRequest) (*domain.PaymentView, error) {
	if len(req.ControlPluginNames) > 0 && s.control != nil {
		return s.control.Run(ctx, s.runner, txType, req)
	}
	return s.runner.run(ctx, txType, req)
}

func (s *Service) Authorize(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionAuthorize, req)
}

func (s *Service) Capture(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionCapture, req)
}

func (s *Service) Purchase(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionPurchase, req)
}

func (s *Service) Void(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionVoid, req)
}

func (s *Service) Refund(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionRefund, req)
}

func (s *Service) Credit(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionCredit, req)
}

func (s *Service) Chargeback(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.execute(ctx, domain.TransactionChargeback, req)
}

// ChargebackReversal records a won dispute: the chargeback row is countered
// by a failed chargeback under the same key, and the payment returns to its
// pre-dispute success state.
func (s *Service) ChargebackReversal(ctx context.Context, req domain.TransactionRequest) (*domain.PaymentView, error) {
	return s.runner.reverseChargeback(ctx, req)
}

func (s *Service) GetPayment(ctx context.Context, accountID snowflake.ID, externalKey string, withPluginInfo bool) (*domain.PaymentView, error) {
	payment, err := s.repo.FindPaymentByExternalKey(ctx, s.db, accountID, externalKey)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return s.read(ctx, payment, withPluginInfo)
}

func (s *Service) GetPaymentByID(ctx context.Context, accountID, paymentID snowflake.ID, withPluginInfo bool) (*domain.PaymentView, error) {
	payment, err := s.repo.FindPaymentByID(ctx, s.db, accountID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return s.read(ctx, payment, withPluginInfo)
}

func (s *Service) read(ctx context.Context, payment *domain.Payment, withPluginInfo bool) (*domain.PaymentView, error) {
	if withPluginInfo && s.janitor != nil {
		// Reads never fail on plugin trouble; the stored view is served
		// instead.
		if _, err := s.janitor.RefreshPayment(ctx, payment.AccountID, payment.ID); err != nil {
			s.log.Debug("plugin refresh on read failed", zap.Error(err))
		} else if fresh, err := s.repo.FindPaymentByID(ctx, s.db, payment.AccountID, payment.ID); err == nil && fresh != nil {
			payment = fresh
		}
	}
	txns, err := s.repo.ListTransactions(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentView{Payment: payment, Transactions: txns}, nil
}
