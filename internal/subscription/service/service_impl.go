package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/catalog"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/subscription/domain"
	"github.com/smallbiznis/billway/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Catalog catalog.Catalog
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog catalog.Catalog
	repo    domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		catalog: p.Catalog,
		repo:    p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	externalKey := strings.TrimSpace(req.ExternalKey)
	if externalKey == "" || req.AccountID == 0 || req.PlanName == "" {
		return nil, domain.ErrInvalidRequest
	}
	if req.BillCycleDay < 1 || req.BillCycleDay > 31 {
		return nil, domain.ErrInvalidBillCycleDay
	}

	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = s.clock.Now()
	}

	plan, err := s.catalog.FindPlan(req.PlanName, effective, effective)
	if err != nil {
		return nil, err
	}
	if len(plan.Phases) == 0 {
		return nil, catalog.ErrPhaseNotFound
	}
	initial := &plan.Phases[0]

	now := s.clock.Now()
	sub := &domain.Subscription{
		ID:              s.genID.Generate(),
		AccountID:       req.AccountID,
		BundleID:        req.BundleID,
		ExternalKey:     externalKey,
		Category:        req.Category,
		AlignStartDate:  effective,
		BundleStartDate: effective,
		BillCycleDay:    req.BillCycleDay,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindSubscriptionByExternalKey(ctx, tx, req.AccountID, externalKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrExternalKeyExists
		}
		if err := s.repo.InsertSubscription(ctx, tx, sub); err != nil {
			// Concurrent creates race past the pre-check; the unique index
			// settles it.
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrExternalKeyExists
			}
			return err
		}

		events := []*domain.BaseEvent{{
			ID:             s.genID.Generate(),
			AccountID:      sub.AccountID,
			SubscriptionID: sub.ID,
			Type:           domain.EventTypeAPIUser,
			UserType:       domain.UserEventCreate,
			EffectiveDate:  effective,
			PlanName:       plan.Name,
			PhaseName:      initial.Name,
			PriceList:      plan.PriceList,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		events = append(events, s.futurePhaseEvents(sub, plan, initial, effective, now)...)
		return s.repo.Append(ctx, tx, events)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.Int64("subscription_id", int64(sub.ID)),
		zap.String("plan", plan.Name),
		zap.Time("effective_date", effective),
	)
	return sub, nil
}

// futurePhaseEvents pre-schedules PHASE events for every fixed-duration phase
// boundary of the plan, starting from the given phase. A plan whose final
// phase is itself fixed-duration ends with an EXPIRED event at its boundary.
func (s *Service) futurePhaseEvents(
	sub *domain.Subscription,
	plan *catalog.Plan,
	from *catalog.PlanPhase,
	effective, now time.Time,
) []*domain.BaseEvent {
	var events []*domain.BaseEvent
	boundary := effective
	started := false
	for i := range plan.Phases {
		phase := &plan.Phases[i]
		if !started {
			if phase.Name == from.Name {
				started = true
			} else {
				continue
			}
		}
		if phase.DurationMonths <= 0 {
			break
		}
		boundary = boundary.AddDate(0, phase.DurationMonths, 0)
		if i+1 >= len(plan.Phases) {
			events = append(events, &domain.BaseEvent{
				ID:             s.genID.Generate(),
				AccountID:      sub.AccountID,
				SubscriptionID: sub.ID,
				Type:           domain.EventTypeExpired,
				EffectiveDate:  boundary,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			break
		}
		events = append(events, &domain.BaseEvent{
			ID:             s.genID.Generate(),
			AccountID:      sub.AccountID,
			SubscriptionID: sub.ID,
			Type:           domain.EventTypePhase,
			EffectiveDate:  boundary,
			PlanName:       plan.Name,
			PhaseName:      plan.Phases[i+1].Name,
			PriceList:      plan.PriceList,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return events
}

func (s *Service) ChangePlan(ctx context.Context, req domain.ChangePlanRequest) error {
	if req.NewPlanName == "" {
		return domain.ErrInvalidRequest
	}
	now := s.clock.Now()
	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = now
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		timeline, events, err := s.loadTimeline(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}
		if timeline.StateAt(now) == domain.StateCancelled {
			return domain.ErrSubscriptionCancelled
		}
		if effective.Before(timeline.Subscription.AlignStartDate) {
			return domain.ErrInvalidEffectiveDate
		}

		plan, err := s.catalog.FindPlan(req.NewPlanName, effective, effective)
		if err != nil {
			return err
		}
		target := plan.FinalPhase()
		if evergreen := plan.FindPhaseByType(catalog.PhaseTypeEvergreen); evergreen != nil {
			target = evergreen
		}

		// A plan change supersedes any pending change and every scheduled
		// phase boundary of the old plan.
		var stale []snowflake.ID
		for i := range events {
			event := &events[i]
			if !event.Active || event.EffectiveDate.Before(effective) {
				continue
			}
			if event.Type == domain.EventTypePhase ||
				event.Type == domain.EventTypeExpired ||
				(event.Type == domain.EventTypeAPIUser && event.UserType == domain.UserEventChange) {
				stale = append(stale, event.ID)
			}
		}
		if err := s.repo.Invalidate(ctx, tx, stale); err != nil {
			return err
		}

		change := []*domain.BaseEvent{{
			ID:             s.genID.Generate(),
			AccountID:      timeline.Subscription.AccountID,
			SubscriptionID: timeline.Subscription.ID,
			Type:           domain.EventTypeAPIUser,
			UserType:       domain.UserEventChange,
			EffectiveDate:  effective,
			PlanName:       plan.Name,
			PhaseName:      target.Name,
			PriceList:      plan.PriceList,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		change = append(change, s.futurePhaseEvents(timeline.Subscription, plan, target, effective, now)...)
		return s.repo.Append(ctx, tx, change)
	})
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		timeline, events, err := s.loadTimeline(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}
		for i := range events {
			if events[i].Active &&
				events[i].Type == domain.EventTypeAPIUser &&
				events[i].UserType == domain.UserEventCancel {
				return domain.ErrAlreadyCancelled
			}
		}

		effective := req.EffectiveDate
		if effective.IsZero() {
			effective = s.cancelDate(timeline, now)
		}
		if effective.Before(timeline.Subscription.AlignStartDate) {
			return domain.ErrInvalidEffectiveDate
		}

		cancel := []*domain.BaseEvent{{
			ID:             s.genID.Generate(),
			AccountID:      timeline.Subscription.AccountID,
			SubscriptionID: timeline.Subscription.ID,
			Type:           domain.EventTypeAPIUser,
			UserType:       domain.UserEventCancel,
			EffectiveDate:  effective,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		return s.repo.Append(ctx, tx, cancel)
	})
}

// cancelDate applies the current plan's cancel policy: immediately, or at the
// end of the already-charged period.
func (s *Service) cancelDate(timeline *domain.Timeline, now time.Time) time.Time {
	var plan *catalog.Plan
	for i := range timeline.Transitions {
		if timeline.Transitions[i].EffectiveDate.After(now) {
			break
		}
		if timeline.Transitions[i].NextPlan != nil {
			plan = timeline.Transitions[i].NextPlan
		}
	}
	if plan == nil || plan.CancelPolicy == catalog.CancelPolicyImmediate {
		return now
	}
	if ctd := timeline.Subscription.ChargedThroughDate; ctd != nil && ctd.After(now) {
		return *ctd
	}
	return now
}

func (s *Service) Uncancel(ctx context.Context, subscriptionID snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		timeline, events, err := s.loadTimeline(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		var cancel *domain.BaseEvent
		for i := range events {
			if events[i].Active &&
				events[i].Type == domain.EventTypeAPIUser &&
				events[i].UserType == domain.UserEventCancel {
				cancel = &events[i]
				break
			}
		}
		if cancel == nil {
			return domain.ErrNotCancelled
		}
		if !cancel.EffectiveDate.After(now) {
			// Already effectively cancelled; there is nothing to restore.
			return domain.ErrAlreadyCancelled
		}
		if err := s.repo.Invalidate(ctx, tx, []snowflake.ID{cancel.ID}); err != nil {
			return err
		}

		// Inactive audit marker: retraction is the invalidation above.
		marker := []*domain.BaseEvent{{
			ID:             s.genID.Generate(),
			AccountID:      timeline.Subscription.AccountID,
			SubscriptionID: timeline.Subscription.ID,
			Type:           domain.EventTypeAPIUser,
			UserType:       domain.UserEventUncancel,
			EffectiveDate:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		if err := s.repo.Append(ctx, tx, marker); err != nil {
			return err
		}
		return s.repo.Invalidate(ctx, tx, []snowflake.ID{marker[0].ID})
	})
}

func (s *Service) UndoChange(ctx context.Context, subscriptionID snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		timeline, events, err := s.loadTimeline(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		var change *domain.BaseEvent
		for i := range events {
			if events[i].Active &&
				events[i].Type == domain.EventTypeAPIUser &&
				events[i].UserType == domain.UserEventChange &&
				events[i].EffectiveDate.After(now) {
				change = &events[i]
			}
		}
		if change == nil {
			return domain.ErrNoPendingChange
		}
		if err := s.repo.Invalidate(ctx, tx, []snowflake.ID{change.ID}); err != nil {
			return err
		}

		marker := []*domain.BaseEvent{{
			ID:             s.genID.Generate(),
			AccountID:      timeline.Subscription.AccountID,
			SubscriptionID: timeline.Subscription.ID,
			Type:           domain.EventTypeAPIUser,
			UserType:       domain.UserEventUndoChange,
			EffectiveDate:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		if err := s.repo.Append(ctx, tx, marker); err != nil {
			return err
		}
		return s.repo.Invalidate(ctx, tx, []snowflake.ID{marker[0].ID})
	})
}

func (s *Service) UpdateBillCycleDay(ctx context.Context, subscriptionID snowflake.ID, billCycleDay int, effectiveDate time.Time) error {
	if billCycleDay < 1 || billCycleDay > 31 {
		return domain.ErrInvalidBillCycleDay
	}
	return s.appendSideEvent(ctx, subscriptionID, effectiveDate, func(event *domain.BaseEvent) {
		event.Type = domain.EventTypeBCDUpdate
		event.BillCycleDay = &billCycleDay
	})
}

func (s *Service) UpdateQuantity(ctx context.Context, subscriptionID snowflake.ID, quantity int, effectiveDate time.Time) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}
	return s.appendSideEvent(ctx, subscriptionID, effectiveDate, func(event *domain.BaseEvent) {
		event.Type = domain.EventTypeQuantityUpdate
		event.Quantity = &quantity
	})
}

func (s *Service) appendSideEvent(ctx context.Context, subscriptionID snowflake.ID, effective time.Time, fill func(*domain.BaseEvent)) error {
	now := s.clock.Now()
	if effective.IsZero() {
		effective = now
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindSubscriptionByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		event := &domain.BaseEvent{
			ID:             s.genID.Generate(),
			AccountID:      sub.AccountID,
			SubscriptionID: sub.ID,
			EffectiveDate:  effective,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		fill(event)
		return s.repo.Append(ctx, tx, []*domain.BaseEvent{event})
	})
}

func (s *Service) GetTimeline(ctx context.Context, subscriptionID snowflake.ID, includeDeleted bool) (*domain.Timeline, error) {
	sub, err := s.repo.FindSubscriptionByID(ctx, s.db.WithContext(ctx), subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	events, err := s.repo.ListEvents(ctx, s.db.WithContext(ctx), subscriptionID)
	if err != nil {
		return nil, err
	}
	return RebuildTransitions(sub, events, s.catalog, includeDeleted)
}

func (s *Service) BillingTimeline(ctx context.Context, subscriptionID snowflake.ID) ([]domain.BillingEvent, error) {
	timeline, err := s.GetTimeline(ctx, subscriptionID, false)
	if err != nil {
		return nil, err
	}
	return SynthesizeBillingEvents(timeline, s.catalog)
}

func (s *Service) loadTimeline(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (*domain.Timeline, []domain.BaseEvent, error) {
	sub, err := s.repo.FindSubscriptionByID(ctx, tx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, domain.ErrSubscriptionNotFound
	}
	events, err := s.repo.ListEvents(ctx, tx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	timeline, err := RebuildTransitions(sub, events, s.catalog, false)
	if err != nil {
		return nil, nil, err
	}
	return timeline, events, nil
}
