package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateSubscriptionRequest struct {
	AccountID   snowflake.ID
	BundleID    snowflake.ID
	ExternalKey string
	Category    string
	PlanName    string
	// EffectiveDate may be in the future; the subscription is PENDING until
	// it is reached.
	EffectiveDate time.Time
	BillCycleDay  int
}

type ChangePlanRequest struct {
	SubscriptionID snowflake.ID
	NewPlanName    string
	EffectiveDate  time.Time
}

type CancelRequest struct {
	SubscriptionID snowflake.ID
	// EffectiveDate of zero applies the plan's cancel policy.
	EffectiveDate time.Time
}

// Timeline is the projector output: the canonical transition list built from
// active events, plus the full audit view when requested.
type Timeline struct {
	Subscription *Subscription
	Transitions  []Transition
	// All includes transitions rebuilt from inactive events as well; empty
	// unless the caller asked for deleted events.
	All []Transition
}

// StateAt returns the derived state at the given instant.
func (t *Timeline) StateAt(at time.Time) State {
	state := StatePending
	for i := range t.Transitions {
		if t.Transitions[i].EffectiveDate.After(at) {
			break
		}
		state = t.Transitions[i].NextState
	}
	return state
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) error
	Cancel(ctx context.Context, req CancelRequest) error
	Uncancel(ctx context.Context, subscriptionID snowflake.ID) error
	UndoChange(ctx context.Context, subscriptionID snowflake.ID) error
	UpdateBillCycleDay(ctx context.Context, subscriptionID snowflake.ID, billCycleDay int, effectiveDate time.Time) error
	UpdateQuantity(ctx context.Context, subscriptionID snowflake.ID, quantity int, effectiveDate time.Time) error
	GetTimeline(ctx context.Context, subscriptionID snowflake.ID, includeDeleted bool) (*Timeline, error)
	BillingTimeline(ctx context.Context, subscriptionID snowflake.ID) ([]BillingEvent, error)
}

var (
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrExternalKeyExists     = errors.New("subscription_external_key_exists")
	ErrMissingInitialEvent   = errors.New("subscription_missing_initial_event")
	ErrAlreadyCancelled      = errors.New("subscription_already_cancelled")
	ErrNotCancelled          = errors.New("subscription_not_cancelled")
	ErrNoPendingChange       = errors.New("subscription_no_pending_change")
	ErrInvalidEffectiveDate  = errors.New("subscription_invalid_effective_date")
	ErrInvalidBillCycleDay   = errors.New("subscription_invalid_bill_cycle_day")
	ErrInvalidQuantity       = errors.New("subscription_invalid_quantity")
	ErrInvalidRequest        = errors.New("subscription_invalid_request")
	ErrSubscriptionCancelled = errors.New("subscription_cancelled")
)
