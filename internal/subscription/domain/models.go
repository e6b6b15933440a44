// Package domain contains the event-sourced subscription model. A
// subscription's state is never stored directly: it is derived by replaying
// the ordered, append-only event log through the projector.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/catalog"
)

// State is the derived lifecycle state of a subscription.
type State string

const (
	// StatePending means the only transitions are future dated.
	StatePending   State = "PENDING"
	StateActive    State = "ACTIVE"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// EventType classifies a subscription event row.
type EventType string

const (
	EventTypeAPIUser        EventType = "API_USER"
	EventTypePhase          EventType = "PHASE"
	EventTypeBCDUpdate      EventType = "BCD_UPDATE"
	EventTypeQuantityUpdate EventType = "QUANTITY_UPDATE"
	EventTypeExpired        EventType = "EXPIRED"
)

// UserEventType is the API_USER sub-type.
type UserEventType string

const (
	UserEventCreate     UserEventType = "CREATE"
	UserEventChange     UserEventType = "CHANGE"
	UserEventCancel     UserEventType = "CANCEL"
	UserEventUncancel   UserEventType = "UNCANCEL"
	UserEventTransfer   UserEventType = "TRANSFER"
	UserEventUndoChange UserEventType = "UNDO_CHANGE"
)

// Subscription is the persistent root; its transitions are derived.
type Subscription struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null;index"`
	BundleID        snowflake.ID `gorm:"not null;index"`
	ExternalKey     string       `gorm:"type:text;not null;uniqueIndex:idx_subscriptions_account_key,composite:account_id"`
	Category        string       `gorm:"type:text;not null"`
	AlignStartDate  time.Time    `gorm:"not null"`
	BundleStartDate time.Time    `gorm:"not null"`
	// BillCycleDay is the default anchor day, used until a BCD_UPDATE event
	// overrides it.
	BillCycleDay       int        `gorm:"not null"`
	ChargedThroughDate *time.Time `gorm:""`
	Migrated           bool       `gorm:"not null;default:false"`
	CreatedAt          time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// BaseEvent is one immutable row of a subscription's event log. Events are
// appended, never updated in place; retraction flips Active to false.
type BaseEvent struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	AccountID      snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;index"`
	Type           EventType     `gorm:"type:text;not null"`
	UserType       UserEventType `gorm:"type:text"`
	EffectiveDate  time.Time     `gorm:"not null"`
	// TotalOrdering is a monotonically increasing per-account sequence
	// assigned at append time; replay order is total ordering, not
	// effective date.
	TotalOrdering int64 `gorm:"not null;index"`
	Active        bool  `gorm:"not null;default:true"`

	PlanName  string `gorm:"type:text"`
	PhaseName string `gorm:"type:text"`
	PriceList string `gorm:"type:text"`

	// BillCycleDay is set on BCD_UPDATE events, Quantity on QUANTITY_UPDATE.
	BillCycleDay *int `gorm:""`
	Quantity     *int `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BaseEvent) TableName() string { return "subscription_events" }

// IsInitial reports whether the event marks the definitive start of the
// subscription.
func (e *BaseEvent) IsInitial() bool {
	return e.Type == EventTypeAPIUser &&
		(e.UserType == UserEventCreate || e.UserType == UserEventTransfer)
}

// Transition is the derived, in-memory record of one state change, computed
// from one event. Transitions are never persisted.
type Transition struct {
	EventID        snowflake.ID
	SubscriptionID snowflake.ID
	Type           EventType
	UserType       UserEventType
	EffectiveDate  time.Time
	TotalOrdering  int64

	PreviousState     State
	PreviousPlan      *catalog.Plan
	PreviousPhase     *catalog.PlanPhase
	PreviousPriceList string

	NextState     State
	NextPlan      *catalog.Plan
	NextPhase     *catalog.PlanPhase
	NextPriceList string

	// BillCycleDay and Quantity are the values in force at the transition's
	// effective date, resolved from the BCD_UPDATE/QUANTITY_UPDATE side table.
	BillCycleDay int
	Quantity     int
}

// BillingEvent is one entry of the flattened billing timeline consumed by
// invoicing, including synthesized entries for future catalog cutovers.
type BillingEvent struct {
	SubscriptionID snowflake.ID
	Type           EventType
	UserType       UserEventType
	PlanName       string
	PhaseName      string
	EffectiveDate  time.Time
	BillCycleDay   int
	Quantity       int
	TotalOrdering  int64
	// CatalogVersionDate identifies the catalog version the plan was
	// resolved from.
	CatalogVersionDate time.Time
	// Synthesized marks events generated from a catalog cutover rather than
	// a stored subscription event.
	Synthesized bool
}
