package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/internal/catalog"
	"github.com/smallbiznis/allotment/internal/certificate"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/compliance"
	"github.com/smallbiznis/allotment/internal/config"
	"github.com/smallbiznis/allotment/internal/consumer"
	"github.com/smallbiznis/allotment/internal/entitlement"
	"github.com/smallbiznis/allotment/internal/event"
	"github.com/smallbiznis/allotment/internal/migration"
	"github.com/smallbiznis/allotment/internal/observability"
	"github.com/smallbiznis/allotment/internal/owner"
	"github.com/smallbiznis/allotment/internal/pool"
	"github.com/smallbiznis/allotment/internal/poolmanager"
	"github.com/smallbiznis/allotment/internal/product"
	"github.com/smallbiznis/allotment/internal/refresh"
	"github.com/smallbiznis/allotment/internal/scheduler"
	"github.com/smallbiznis/allotment/internal/server"
	"github.com/smallbiznis/allotment/internal/upstream"
	"github.com/smallbiznis/allotment/pkg/db"
	"github.com/smallbiznis/allotment/pkg/lock"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		lock.Module,
		clock.Module,
		migration.Module,

		// Storage
		owner.Module,
		consumer.Module,
		pool.Module,
		entitlement.Module,
		product.Module,
		certificate.Module,
		event.Module,

		// Engine
		upstream.Module,
		catalog.Module,
		refresh.Module,
		compliance.Module,
		poolmanager.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
