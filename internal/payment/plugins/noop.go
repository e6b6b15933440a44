package plugins

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/payment/domain"
)

const NoOpPluginName = "noop"

// NoOpPlugin approves everything and remembers what it was asked, keyed by
// payment. It backs single-node deployments without a real gateway and the
// test suites; behavior can be overridden per call to simulate gateway
// outcomes.
type NoOpPlugin struct {
	mu      sync.Mutex
	history map[snowflake.ID][]domain.PluginTransactionInfo

	// NextResult, when set, is returned once instead of the default
	// approval.
	nextResult *domain.PluginCallResult
	nextErr    error
}

func NewNoOpPlugin() *NoOpPlugin {
	return &NoOpPlugin{history: map[snowflake.ID][]domain.PluginTransactionInfo{}}
}

func (p *NoOpPlugin) Name() string { return NoOpPluginName }

// FailNext makes the next call return the given result or error.
func (p *NoOpPlugin) FailNext(result *domain.PluginCallResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextResult = result
	p.nextErr = err
}

// OverrideInfo replaces the stored history for a payment, letting tests
// shape what reconciliation sees.
func (p *NoOpPlugin) OverrideInfo(paymentID snowflake.ID, infos []domain.PluginTransactionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[paymentID] = infos
}

func (p *NoOpPlugin) call(req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextErr != nil {
		err := p.nextErr
		p.nextErr = nil
		return domain.PluginCallResult{}, err
	}

	result := domain.PluginCallResult{
		Status:            domain.PluginProcessed,
		ProcessedAmount:   req.Amount,
		ProcessedCurrency: req.Currency,
	}
	if p.nextResult != nil {
		result = *p.nextResult
		p.nextResult = nil
	}

	p.history[req.PaymentID] = append(p.history[req.PaymentID], domain.PluginTransactionInfo{
		TransactionID:    req.TransactionID,
		TransactionType:  req.TransactionType,
		Status:           result.Status,
		Amount:           result.ProcessedAmount,
		Currency:         result.ProcessedCurrency,
		GatewayErrorCode: result.GatewayErrorCode,
		GatewayError:     result.GatewayError,
	})
	return result, nil
}

func (p *NoOpPlugin) Authorize(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) Capture(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) Purchase(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) Void(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) Refund(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) Credit(_ context.Context, req domain.PluginCallRequest) (domain.PluginCallResult, error) {
	return p.call(req)
}

func (p *NoOpPlugin) GetPaymentInfo(_ context.Context, _, paymentID snowflake.ID) ([]domain.PluginTransactionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextErr != nil {
		err := p.nextErr
		p.nextErr = nil
		return nil, err
	}
	infos := make([]domain.PluginTransactionInfo, len(p.history[paymentID]))
	copy(infos, p.history[paymentID])
	return infos, nil
}
