package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "reminderd/pkg/logx"
)

// Config configures the store.
//
// Driver values:
//   - "mongo": MongoDB (URI + Database)
//   - "sqlite": SQLite database file (Path)
//   - "memory": in-process maps
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// mongo
	URI                     string
	Database                string
	OwnersCollection        string
	NotificationsCollection string
	ConnectTimeout          time.Duration
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	switch driver {
	case "mongo", "mongodb":
		return OpenMongo(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	case "":
		return nil, errors.New("store.driver is required")
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
