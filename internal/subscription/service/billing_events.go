package service

import (
	"container/heap"
	"time"

	"github.com/smallbiznis/billway/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/billway/internal/subscription/domain"
)

// cutoverCandidate is a synthesized billing event waiting to be emitted: the
// subscription's plan exists in a newer catalog version whose cutover date
// has been realigned to the next bill-cycle-day boundary.
type cutoverCandidate struct {
	effectiveDate time.Time
	plan          *catalog.Plan
	phaseName     string
	versionDate   time.Time

	// Carried from the transition that queued the candidate; a later
	// transition must not leak its values backwards into the cutover.
	billCycleDay  int
	quantity      int
	totalOrdering int64
}

type candidateQueue []cutoverCandidate

func (q candidateQueue) Len() int            { return len(q) }
func (q candidateQueue) Less(i, j int) bool  { return q[i].effectiveDate.Before(q[j].effectiveDate) }
func (q candidateQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *candidateQueue) Push(x interface{}) { *q = append(*q, x.(cutoverCandidate)) }
func (q *candidateQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// SynthesizeBillingEvents flattens a transition list into the billing
// timeline consumed by invoicing. In addition to the stored transitions it
// emits synthesized entries wherever a later catalog version applies to
// existing subscriptions: the subscription silently picks up the new plan
// definition at the cutover, realigned to its next bill-cycle-day boundary.
//
// A candidate is only emitted while it predates the next real transition; a
// real transition at or before the candidate's date supersedes it, since the
// plan is re-resolved against the catalog at that point anyway.
func SynthesizeBillingEvents(
	timeline *subscriptiondomain.Timeline,
	cat catalog.Catalog,
) ([]subscriptiondomain.BillingEvent, error) {
	if timeline == nil || timeline.Subscription == nil {
		return nil, nil
	}
	sub := timeline.Subscription

	var (
		out        []subscriptiondomain.BillingEvent
		candidates candidateQueue
	)
	heap.Init(&candidates)

	for i := range timeline.Transitions {
		transition := &timeline.Transitions[i]

		// Emit pending cutovers that come strictly before this transition;
		// the rest are superseded by it.
		for candidates.Len() > 0 {
			next := candidates[0]
			if !next.effectiveDate.Before(transition.EffectiveDate) {
				break
			}
			candidate := heap.Pop(&candidates).(cutoverCandidate)
			out = append(out, synthesizedEvent(sub, candidate))
		}
		for candidates.Len() > 0 {
			heap.Pop(&candidates)
		}

		version, err := cat.VersionForDate(transition.EffectiveDate)
		if err != nil {
			return nil, err
		}
		out = append(out, subscriptiondomain.BillingEvent{
			SubscriptionID:     transition.SubscriptionID,
			Type:               transition.Type,
			UserType:           transition.UserType,
			PlanName:           planName(transition.NextPlan),
			PhaseName:          phaseName(transition.NextPhase),
			EffectiveDate:      transition.EffectiveDate,
			BillCycleDay:       transition.BillCycleDay,
			Quantity:           transition.Quantity,
			TotalOrdering:      transition.TotalOrdering,
			CatalogVersionDate: version.EffectiveDate,
		})

		if transition.NextPlan != nil {
			queueCutovers(&candidates, cat, transition)
		}
	}

	// Transitions are exhausted; every remaining cutover becomes real.
	if len(timeline.Transitions) > 0 {
		last := &timeline.Transitions[len(timeline.Transitions)-1]
		if last.NextState != subscriptiondomain.StateCancelled &&
			last.NextState != subscriptiondomain.StateExpired {
			for candidates.Len() > 0 {
				candidate := heap.Pop(&candidates).(cutoverCandidate)
				out = append(out, synthesizedEvent(sub, candidate))
			}
		}
	}

	return out, nil
}

// queueCutovers walks forward through catalog versions from the transition's
// plan, pushing one candidate per version that declares a cutover for
// existing subscriptions.
func queueCutovers(candidates *candidateQueue, cat catalog.Catalog, transition *subscriptiondomain.Transition) {
	plan := transition.NextPlan
	after := transition.EffectiveDate
	for {
		nextPlan, version, ok := cat.NextPlanVersion(plan, after)
		if !ok {
			return
		}
		cutover := version.EffectiveDate
		if nextPlan.EffectiveDateForExistingSubscriptions != nil {
			cutover = *nextPlan.EffectiveDateForExistingSubscriptions
		}
		if cutover.After(transition.EffectiveDate) {
			heap.Push(candidates, cutoverCandidate{
				effectiveDate: nextBillCycleBoundary(cutover, transition.BillCycleDay),
				plan:          nextPlan,
				phaseName:     phaseName(transition.NextPhase),
				versionDate:   version.EffectiveDate,
				billCycleDay:  transition.BillCycleDay,
				quantity:      transition.Quantity,
				totalOrdering: transition.TotalOrdering,
			})
		}
		plan = nextPlan
		after = version.EffectiveDate
	}
}

func synthesizedEvent(
	sub *subscriptiondomain.Subscription,
	candidate cutoverCandidate,
) subscriptiondomain.BillingEvent {
	return subscriptiondomain.BillingEvent{
		SubscriptionID:     sub.ID,
		Type:               subscriptiondomain.EventTypeAPIUser,
		UserType:           subscriptiondomain.UserEventChange,
		PlanName:           candidate.plan.Name,
		PhaseName:          candidate.phaseName,
		EffectiveDate:      candidate.effectiveDate,
		BillCycleDay:       candidate.billCycleDay,
		Quantity:           candidate.quantity,
		TotalOrdering:      candidate.totalOrdering,
		CatalogVersionDate: candidate.versionDate,
		Synthesized:        true,
	}
}

// nextBillCycleBoundary returns the first occurrence of billCycleDay on or
// after date, clamping to the last day of short months.
func nextBillCycleBoundary(date time.Time, billCycleDay int) time.Time {
	year, month, _ := date.Date()
	anchored := anchorDay(year, month, billCycleDay, date.Location())
	if !anchored.Before(date) {
		return anchored
	}
	next := time.Date(year, month, 1, 0, 0, 0, 0, date.Location()).AddDate(0, 1, 0)
	return anchorDay(next.Year(), next.Month(), billCycleDay, date.Location())
}

func anchorDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := time.Date(year, month, 1, 0, 0, 0, 0, loc).AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func planName(p *catalog.Plan) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func phaseName(p *catalog.PlanPhase) string {
	if p == nil {
		return ""
	}
	return p.Name
}
