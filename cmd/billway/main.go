package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billway/internal/catalog"
	"github.com/smallbiznis/billway/internal/clock"
	"github.com/smallbiznis/billway/internal/config"
	"github.com/smallbiznis/billway/internal/logger"
	"github.com/smallbiznis/billway/internal/migration"
	"github.com/smallbiznis/billway/internal/payment"
	"github.com/smallbiznis/billway/internal/subscription"
	"github.com/smallbiznis/billway/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		catalog.Module,
		subscription.Module,
		payment.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
