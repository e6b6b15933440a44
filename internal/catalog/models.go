// Package catalog provides date-versioned plan lookups for the subscription
// projector and billing-timeline synthesis. Catalog versions are immutable;
// every lookup is parameterized by date.
package catalog

import (
	"errors"
	"time"
)

// BillingPeriod is the recurring charge cadence of a plan phase.
type BillingPeriod string

const (
	BillingPeriodMonthly   BillingPeriod = "MONTHLY"
	BillingPeriodQuarterly BillingPeriod = "QUARTERLY"
	BillingPeriodBiannual  BillingPeriod = "BIANNUAL"
	BillingPeriodAnnual    BillingPeriod = "ANNUAL"
	BillingPeriodNone      BillingPeriod = "NO_BILLING_PERIOD"
)

// Months returns the number of calendar months in one billing cycle.
func (p BillingPeriod) Months() int {
	switch p {
	case BillingPeriodMonthly:
		return 1
	case BillingPeriodQuarterly:
		return 3
	case BillingPeriodBiannual:
		return 6
	case BillingPeriodAnnual:
		return 12
	default:
		return 0
	}
}

type PhaseType string

const (
	PhaseTypeTrial     PhaseType = "TRIAL"
	PhaseTypeDiscount  PhaseType = "DISCOUNT"
	PhaseTypeFixedTerm PhaseType = "FIXEDTERM"
	PhaseTypeEvergreen PhaseType = "EVERGREEN"
)

// BillingAlignment decides which start date anchors the billing cycle day.
type BillingAlignment string

const (
	BillingAlignmentAccount      BillingAlignment = "ACCOUNT"
	BillingAlignmentBundle       BillingAlignment = "BUNDLE"
	BillingAlignmentSubscription BillingAlignment = "SUBSCRIPTION"
)

// CancelPolicy decides when a cancellation becomes effective.
type CancelPolicy string

const (
	CancelPolicyImmediate CancelPolicy = "IMMEDIATE"
	CancelPolicyEndOfTerm CancelPolicy = "END_OF_TERM"
)

// PlanPhase is one phase of a plan (e.g. trial then evergreen). DurationMonths
// of zero means the phase is unbounded.
type PlanPhase struct {
	Name           string
	Type           PhaseType
	BillingPeriod  BillingPeriod
	DurationMonths int
}

// Plan is a named product offering inside one catalog version.
type Plan struct {
	Name      string
	Product   string
	PriceList string
	Phases    []PlanPhase

	BillingAlignment BillingAlignment
	CancelPolicy     CancelPolicy

	// EffectiveDateForExistingSubscriptions, when set on a plan in a later
	// catalog version, is the cutover date at which subscriptions created
	// under an earlier version pick up this version's definition.
	EffectiveDateForExistingSubscriptions *time.Time
}

// FinalPhase returns the last phase of the plan.
func (p *Plan) FinalPhase() *PlanPhase {
	if len(p.Phases) == 0 {
		return nil
	}
	return &p.Phases[len(p.Phases)-1]
}

// FindPhaseByType returns the first phase of the given type, or nil.
func (p *Plan) FindPhaseByType(t PhaseType) *PlanPhase {
	for i := range p.Phases {
		if p.Phases[i].Type == t {
			return &p.Phases[i]
		}
	}
	return nil
}

// FindPhase locates a phase of this plan by name.
func (p *Plan) FindPhase(name string) *PlanPhase {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i]
		}
	}
	return nil
}

// RecurringBillingPeriod returns the billing period of the final phase.
func (p *Plan) RecurringBillingPeriod() BillingPeriod {
	final := p.FinalPhase()
	if final == nil {
		return BillingPeriodNone
	}
	return final.BillingPeriod
}

// Version is one immutable catalog version, effective from EffectiveDate
// until superseded by a later version.
type Version struct {
	EffectiveDate time.Time
	Plans         []Plan
}

func (v *Version) findPlan(name string) *Plan {
	for i := range v.Plans {
		if v.Plans[i].Name == name {
			return &v.Plans[i]
		}
	}
	return nil
}

var (
	ErrNoVersionForDate = errors.New("catalog_no_version_for_date")
	ErrPlanNotFound     = errors.New("catalog_plan_not_found")
	ErrPhaseNotFound    = errors.New("catalog_phase_not_found")
	ErrEmptyCatalog     = errors.New("catalog_empty")
)
