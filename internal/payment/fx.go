package payment

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/observability/metrics"
	"github.com/smallbiznis/billway/internal/payment/dispatcher"
	"github.com/smallbiznis/billway/internal/payment/domain"
	"github.com/smallbiznis/billway/internal/payment/lock"
	"github.com/smallbiznis/billway/internal/payment/plugins"
	"github.com/smallbiznis/billway/internal/payment/repository"
	"github.com/smallbiznis/billway/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(ProvideRegistry),
	fx.Provide(ProvideLocker),
	fx.Provide(ProvideDispatcher),
	fx.Provide(service.NewJanitor),
	fx.Provide(service.NewControlRunner),
	fx.Provide(service.New),
	fx.Provide(service.NewRetryService),
	fx.Invoke(ensurePaymentMetrics),
	fx.Invoke(StartWorkers),
)

// ensurePaymentMetrics pins the metrics singleton to the service identity
// before any instrument is used with default labels.
func ensurePaymentMetrics(cfg config.Config) {
	metrics.PaymentWithConfig(metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

// ProvideRegistry registers the available gateway and control plugins. The
// no-op plugin is always present for deployments without a real gateway,
// and invoice payment control runs against an in-process balance store
// until a real invoicing backend is wired in.
func ProvideRegistry(clk clock.Clock) *plugins.Registry {
	return plugins.NewRegistry(
		[]domain.PaymentPlugin{plugins.NewNoOpPlugin()},
		[]domain.ControlPlugin{
			plugins.NewInvoiceControlPlugin(plugins.NewMemoryInvoiceStore(), clk, nil),
		},
	)
}

// ProvideLocker serializes payment operations per account: redis-backed
// when an address is configured, process-local otherwise.
func ProvideLocker(cfg config.Config, log *zap.Logger) lock.AccountLocker {
	policy := lock.RetryPolicy{
		TTL:      cfg.Payment.LockTTL,
		Retries:  cfg.Payment.LockRetries,
		Interval: cfg.Payment.LockRetryDelay,
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("payment").Info("redis not configured, using in-process account locks")
		return lock.NewMemoryLocker(policy)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	return lock.NewRedisLocker(client, policy)
}

func ProvideDispatcher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *dispatcher.Dispatcher {
	d := dispatcher.New(log, cfg.Payment.PluginWorkers, cfg.Payment.PluginTimeout)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			d.Stop()
			return nil
		},
	})
	return d
}

// StartWorkers runs the janitor sweep and the retry queue for the lifetime
// of the application.
func StartWorkers(lc fx.Lifecycle, janitor *service.JanitorService, retry *service.RetryService) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go janitor.RunForever(ctx)
			go retry.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
