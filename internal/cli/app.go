package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"recurd/internal/config"
	appLog "recurd/internal/log"
	"recurd/internal/recur"
	"recurd/internal/service"
	"recurd/internal/store"
)

// app is everything a command needs once the config is loaded.
type app struct {
	cfg    *config.Config
	svc    *service.Service
	codec  store.Codec
	closer func() error
}

func (a *app) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}

// openApp builds stores, engine and service for cfg.Store.Driver.
//
// The file driver keeps series as YAML documents under Path and the
// materialized records in an SQLite database next to them.
func openApp(cfg *config.Config) (*app, error) {
	loc := cfg.Location()
	a := &app{cfg: cfg, codec: store.NewCodec(loc)}

	var (
		series store.SeriesStore
		occs   store.OccurrenceStore
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		series = store.NewMemoryStore(loc)
		occs = store.NewMemoryOccurrences()

	case config.DriverFile:
		fs, err := store.NewFileStore(cfg.Store.Path, loc)
		if err != nil {
			return nil, err
		}
		db, err := store.OpenSQLite(filepath.Join(cfg.Store.Path, ".occurrences.db"), loc)
		if err != nil {
			return nil, err
		}
		series, occs = fs, db
		a.closer = db.Close

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" && cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		db, err := store.OpenSQLite(cfg.Store.Path, loc)
		if err != nil {
			return nil, err
		}
		series, occs = db, db
		a.closer = db.Close

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	engine := recur.NewEngine(series, recur.Options{
		Location: loc,
		Policy:   cfg.Policy(),
	})
	a.svc = service.New(engine, series, occs)
	appLog.Debug("store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	return a, nil
}
