package service

import (
	"sort"
	"time"

	"github.com/smallbiznis/billway/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/billway/internal/subscription/domain"
)

// RebuildTransitions derives a subscription's transition history by replaying
// its event log against the catalog. The projection is pure: the same event
// list and catalog always produce the same transitions.
//
// When includeDeleted is set, a second transition list is built from the full
// event set (inactive rows included) for audit views; the canonical list is
// always built from active events only.
func RebuildTransitions(
	sub *subscriptiondomain.Subscription,
	events []subscriptiondomain.BaseEvent,
	cat catalog.Catalog,
	includeDeleted bool,
) (*subscriptiondomain.Timeline, error) {
	ordered := make([]subscriptiondomain.BaseEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TotalOrdering < ordered[j].TotalOrdering
	})

	active := make([]subscriptiondomain.BaseEvent, 0, len(ordered))
	for _, event := range ordered {
		if event.Active {
			active = append(active, event)
		}
	}
	working := pruneAfterCancel(active)

	transitions, err := replay(sub, working, cat)
	if err != nil {
		return nil, err
	}

	timeline := &subscriptiondomain.Timeline{
		Subscription: sub,
		Transitions:  transitions,
	}
	if includeDeleted {
		all, err := replay(sub, ordered, cat)
		if err != nil {
			return nil, err
		}
		timeline.All = all
	}
	return timeline, nil
}

// pruneAfterCancel removes, from the working copy only, every event effective
// on or after the first active CANCEL, keeping the initial CREATE/TRANSFER as
// the definitive start marker and the CANCEL itself as the terminal event.
// This guards against repair data producing impossible post-cancellation
// transitions; storage is untouched.
func pruneAfterCancel(events []subscriptiondomain.BaseEvent) []subscriptiondomain.BaseEvent {
	var cancelAt *time.Time
	var cancelID int64 = -1
	for i := range events {
		if events[i].Type == subscriptiondomain.EventTypeAPIUser &&
			events[i].UserType == subscriptiondomain.UserEventCancel {
			cancelAt = &events[i].EffectiveDate
			cancelID = events[i].TotalOrdering
			break
		}
	}
	if cancelAt == nil {
		return events
	}

	pruned := make([]subscriptiondomain.BaseEvent, 0, len(events))
	for i := range events {
		event := events[i]
		switch {
		case event.IsInitial():
			pruned = append(pruned, event)
		case event.TotalOrdering == cancelID:
			pruned = append(pruned, event)
		case event.EffectiveDate.Before(*cancelAt):
			pruned = append(pruned, event)
		}
	}
	return pruned
}

// replay walks events in total order, carrying previous state forward and
// resolving plans against the catalog at (effective date, last plan change).
func replay(
	sub *subscriptiondomain.Subscription,
	events []subscriptiondomain.BaseEvent,
	cat catalog.Catalog,
) ([]subscriptiondomain.Transition, error) {
	bcdUpdates, quantityUpdates := scanSideTables(events)

	var (
		transitions []subscriptiondomain.Transition

		prevState     subscriptiondomain.State
		prevPlan      *catalog.Plan
		prevPhase     *catalog.PlanPhase
		prevPriceList string

		nextState     subscriptiondomain.State
		nextPlanName  string
		nextPhaseName string
		nextPriceList string
	)

	lastPlanChange := sub.AlignStartDate
	seenInitial := false

	for i := range events {
		event := events[i]

		switch event.Type {
		case subscriptiondomain.EventTypePhase:
			nextPhaseName = event.PhaseName

		case subscriptiondomain.EventTypeBCDUpdate, subscriptiondomain.EventTypeQuantityUpdate:
			// Pre-scanned into the side tables; no transition of their own.
			continue

		case subscriptiondomain.EventTypeExpired:
			nextState = subscriptiondomain.StateExpired
			nextPlanName = ""
			nextPhaseName = ""
			nextPriceList = ""

		case subscriptiondomain.EventTypeAPIUser:
			switch event.UserType {
			case subscriptiondomain.UserEventCreate, subscriptiondomain.UserEventTransfer:
				prevState = ""
				prevPlan = nil
				prevPhase = nil
				prevPriceList = ""
				nextState = subscriptiondomain.StateActive
				nextPlanName = event.PlanName
				nextPhaseName = event.PhaseName
				nextPriceList = event.PriceList
				lastPlanChange = event.EffectiveDate
				seenInitial = true
			case subscriptiondomain.UserEventChange:
				nextPlanName = event.PlanName
				nextPhaseName = event.PhaseName
				nextPriceList = event.PriceList
				lastPlanChange = event.EffectiveDate
			case subscriptiondomain.UserEventCancel:
				nextState = subscriptiondomain.StateCancelled
				nextPlanName = ""
				nextPhaseName = ""
				nextPriceList = ""
			case subscriptiondomain.UserEventUncancel, subscriptiondomain.UserEventUndoChange:
				// Audit markers; retraction is expressed by invalidating the
				// superseded events, not by replaying these.
				continue
			default:
				continue
			}
		default:
			continue
		}

		if !seenInitial {
			return nil, subscriptiondomain.ErrMissingInitialEvent
		}

		var (
			nextPlan  *catalog.Plan
			nextPhase *catalog.PlanPhase
			err       error
		)
		if nextPlanName != "" {
			nextPlan, err = cat.FindPlan(nextPlanName, event.EffectiveDate, lastPlanChange)
			if err != nil {
				// Partial projection is never returned.
				return nil, err
			}
		}
		if nextPhaseName != "" {
			_, nextPhase, err = cat.FindPhase(nextPhaseName, event.EffectiveDate, lastPlanChange)
			if err != nil {
				return nil, err
			}
		}

		transitions = append(transitions, subscriptiondomain.Transition{
			EventID:           event.ID,
			SubscriptionID:    event.SubscriptionID,
			Type:              event.Type,
			UserType:          event.UserType,
			EffectiveDate:     event.EffectiveDate,
			TotalOrdering:     event.TotalOrdering,
			PreviousState:     prevState,
			PreviousPlan:      prevPlan,
			PreviousPhase:     prevPhase,
			PreviousPriceList: prevPriceList,
			NextState:         nextState,
			NextPlan:          nextPlan,
			NextPhase:         nextPhase,
			NextPriceList:     nextPriceList,
			BillCycleDay:      valueAt(bcdUpdates, event.EffectiveDate, sub.BillCycleDay),
			Quantity:          valueAt(quantityUpdates, event.EffectiveDate, 1),
		})

		prevState = nextState
		prevPlan = nextPlan
		prevPhase = nextPhase
		prevPriceList = nextPriceList
	}

	return transitions, nil
}

type datedValue struct {
	at    time.Time
	value int
}

// scanSideTables collects BCD and quantity updates into effective-date lookup
// tables consulted by every other transition.
func scanSideTables(events []subscriptiondomain.BaseEvent) (bcd, quantity []datedValue) {
	for i := range events {
		event := events[i]
		switch event.Type {
		case subscriptiondomain.EventTypeBCDUpdate:
			if event.BillCycleDay != nil {
				bcd = append(bcd, datedValue{at: event.EffectiveDate, value: *event.BillCycleDay})
			}
		case subscriptiondomain.EventTypeQuantityUpdate:
			if event.Quantity != nil {
				quantity = append(quantity, datedValue{at: event.EffectiveDate, value: *event.Quantity})
			}
		}
	}
	sort.SliceStable(bcd, func(i, j int) bool { return bcd[i].at.Before(bcd[j].at) })
	sort.SliceStable(quantity, func(i, j int) bool { return quantity[i].at.Before(quantity[j].at) })
	return bcd, quantity
}

func valueAt(values []datedValue, at time.Time, def int) int {
	value := def
	for i := range values {
		if values[i].at.After(at) {
			break
		}
		value = values[i].value
	}
	return value
}
