package storage

import (
	"context"
	"fmt"
	"strings"

	logx "cinebot/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory":
		st = NewMemory()
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	case "dynamodb":
		st, err = openDynamo(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	log.Info("storage opened", logx.String("driver", driver))
	return st, nil
}
