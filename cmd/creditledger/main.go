package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/formlane/creditledger/internal/access"
	"github.com/formlane/creditledger/internal/capability"
	"github.com/formlane/creditledger/internal/clock"
	"github.com/formlane/creditledger/internal/config"
	"github.com/formlane/creditledger/internal/credit"
	"github.com/formlane/creditledger/internal/migration"
	"github.com/formlane/creditledger/internal/observability"
	"github.com/formlane/creditledger/internal/ratelimit"
	"github.com/formlane/creditledger/internal/scheduler"
	"github.com/formlane/creditledger/internal/server"
	"github.com/formlane/creditledger/internal/usage"
	"github.com/formlane/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Ledger domains
		credit.Module,
		capability.Module,
		usage.Module,
		access.Module,
		ratelimit.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
