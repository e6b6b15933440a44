package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the subscription event store. Every method runs on the
// caller-supplied handle so a mutation appending events and invalidating
// superseded ones commits as one unit of work.
type Repository interface {
	InsertSubscription(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindSubscriptionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindSubscriptionByExternalKey(ctx context.Context, db *gorm.DB, accountID snowflake.ID, externalKey string) (*Subscription, error)

	// Append writes new events, assigning each a per-account total ordering.
	Append(ctx context.Context, db *gorm.DB, events []*BaseEvent) error
	// ListEvents returns all events for a subscription, active and inactive,
	// sorted by total ordering.
	ListEvents(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]BaseEvent, error)
	// Invalidate flips active=false on the given events; rows are never
	// deleted.
	Invalidate(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) error
}
