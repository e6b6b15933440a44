package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/payment/domain"
)

const InvoiceControlPluginName = "invoice-payment-control"

// PropertyInvoiceID routes a controlled payment to the invoice it settles.
const PropertyInvoiceID = "invoiceId"

// InvoiceBalanceSource exposes the open balance of an invoice and learns
// about payments applied against it.
type InvoiceBalanceSource interface {
	OutstandingBalance(ctx context.Context, accountID snowflake.ID, invoiceID string) (int64, error)
	RecordPayment(ctx context.Context, accountID snowflake.ID, invoiceID string, amount int64) error
}

// InvoiceControlPlugin gates gateway calls on the invoice's open balance:
// a settled invoice aborts the run, an overpaying request is trimmed down
// to the balance, and failed runs are rescheduled on a fixed backoff until
// the schedule is exhausted.
type InvoiceControlPlugin struct {
	source   InvoiceBalanceSource
	clock    clock.Clock
	schedule []time.Duration

	mu       sync.Mutex
	failures map[string]int
}

// DefaultRetrySchedule mirrors the dunning cadence used when no explicit
// schedule is configured.
var DefaultRetrySchedule = []time.Duration{
	24 * time.Hour,
	72 * time.Hour,
	168 * time.Hour,
}

func NewInvoiceControlPlugin(source InvoiceBalanceSource, clk clock.Clock, schedule []time.Duration) *InvoiceControlPlugin {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &InvoiceControlPlugin{
		source:   source,
		clock:    clk,
		schedule: schedule,
		failures: map[string]int{},
	}
}

func (p *InvoiceControlPlugin) Name() string { return InvoiceControlPluginName }

func (p *InvoiceControlPlugin) PriorCall(ctx context.Context, control domain.ControlContext) (domain.PriorPaymentControlResult, error) {
	invoiceID := control.Properties[PropertyInvoiceID]
	if invoiceID == "" {
		return domain.PriorPaymentControlResult{}, domain.Errorf(domain.CodeInvalidParameter,
			"invoice payment control requires the %s property", PropertyInvoiceID)
	}

	balance, err := p.source.OutstandingBalance(ctx, control.AccountID, invoiceID)
	if err != nil {
		return domain.PriorPaymentControlResult{}, err
	}
	if balance <= 0 {
		return domain.PriorPaymentControlResult{Aborted: true}, nil
	}
	if control.Amount > balance {
		return domain.PriorPaymentControlResult{AdjustedAmount: balance}, nil
	}
	return domain.PriorPaymentControlResult{}, nil
}

func (p *InvoiceControlPlugin) OnSuccessCall(ctx context.Context, control domain.ControlContext) error {
	p.mu.Lock()
	delete(p.failures, control.TransactionExternalKey)
	p.mu.Unlock()

	invoiceID := control.Properties[PropertyInvoiceID]
	return p.source.RecordPayment(ctx, control.AccountID, invoiceID, control.Amount)
}

func (p *InvoiceControlPlugin) OnFailureCall(_ context.Context, control domain.ControlContext) (domain.RetryDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := p.failures[control.TransactionExternalKey]
	p.failures[control.TransactionExternalKey] = count + 1
	if count >= len(p.schedule) {
		return domain.RetryDecision{Abandon: true}, nil
	}
	return domain.RetryDecision{
		Retry:  true,
		NextAt: p.clock.Now().Add(p.schedule[count]),
	}, nil
}

// MemoryInvoiceStore is an in-process InvoiceBalanceSource for deployments
// without an invoicing backend, and for the test suites.
type MemoryInvoiceStore struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemoryInvoiceStore() *MemoryInvoiceStore {
	return &MemoryInvoiceStore{balances: map[string]int64{}}
}

// SetBalance seeds the open balance of an invoice.
func (s *MemoryInvoiceStore) SetBalance(invoiceID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[invoiceID] = balance
}

func (s *MemoryInvoiceStore) OutstandingBalance(_ context.Context, _ snowflake.ID, invoiceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[invoiceID], nil
}

func (s *MemoryInvoiceStore) RecordPayment(_ context.Context, _ snowflake.ID, invoiceID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[invoiceID] -= amount
	return nil
}
