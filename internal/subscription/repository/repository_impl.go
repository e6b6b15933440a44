package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billway/internal/subscription/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() subscriptiondomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) InsertSubscription(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repositoryImpl) FindSubscriptionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repositoryImpl) FindSubscriptionByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("account_id = ? AND external_key = ?", accountID, externalKey).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repositoryImpl) Append(ctx context.Context, db *gorm.DB, events []*subscriptiondomain.BaseEvent) error {
	if len(events) == 0 {
		return nil
	}
	accountID := events[0].AccountID

	// Total ordering is per account; the append runs inside the caller's
	// transaction so the MAX read and the inserts are one unit.
	var lastOrdering int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(total_ordering), 0)
		 FROM subscription_events
		 WHERE account_id = ?`,
		accountID,
	).Scan(&lastOrdering).Error; err != nil {
		return err
	}

	for _, event := range events {
		lastOrdering++
		event.TotalOrdering = lastOrdering
		event.Active = true
	}
	return db.WithContext(ctx).Create(events).Error
}

func (r *repositoryImpl) ListEvents(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.BaseEvent, error) {
	var events []subscriptiondomain.BaseEvent
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("total_ordering ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repositoryImpl) Invalidate(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&subscriptiondomain.BaseEvent{}).
		Where("id IN ?", eventIDs).
		Update("active", false).Error
}
