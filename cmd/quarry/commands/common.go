// Package commands holds the quarry CLI subcommands.
package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/castellan/quarry/config"
	"github.com/castellan/quarry/db"
	"github.com/castellan/quarry/errors"
	"github.com/castellan/quarry/store"
)

// ConfigPath is the --config flag shared by all subcommands.
var ConfigPath string

type stores struct {
	jobs     *store.JobStore
	triggers *store.TriggerStore
	blocked  *store.BlockedJobStore
	checkIns *store.CheckInStore
}

// openStores loads configuration, opens the configured database, and wires
// the stores the CLI inspects. The caller owns closing the connection.
func openStores(log *zap.SugaredLogger) (*config.Config, *sql.DB, *stores, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "load configuration")
	}

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Migrate(conn, cfg.Database.TablePrefix, log); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}

	tables := store.NewTables(cfg.Database.TablePrefix)
	return cfg, conn, &stores{
		jobs:     store.NewJobStore(conn, tables),
		triggers: store.NewTriggerStore(conn, tables),
		blocked:  store.NewBlockedJobStore(conn, tables),
		checkIns: store.NewCheckInStore(conn, tables),
	}, nil
}
