// Package migration creates the billway schema on startup so local and
// self-hosted environments work out of the box.
package migration

import (
	"errors"

	paymentdomain "github.com/smallbiznis/billway/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billway/internal/subscription/domain"
	"gorm.io/gorm"
)

func RunMigrations(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	return conn.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.BaseEvent{},
		&paymentdomain.Payment{},
		&paymentdomain.PaymentTransaction{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.RetryNotification{},
	)
}
