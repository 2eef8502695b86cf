package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/store"
)

// defaultSQLitePath is used when the sqlite driver has no database_url.
const defaultSQLitePath = "tariff.db"

// connectStore opens the configured store without touching the schema.
func connectStore(ctx context.Context) (store.Store, error) {
	driver, dsn := cfg.Store.Driver, cfg.Store.DatabaseURL
	if driver == "sqlite" && dsn == "" {
		dsn = defaultSQLitePath
	}
	st, err := store.Open(ctx, driver, dsn, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", driver)
	}
	return st, nil
}

// openStore connects and brings the schema up to date. Callers must Close
// the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := connectStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	zap.L().Debug("store ready", zap.String("driver", cfg.Store.Driver))
	return st, nil
}
