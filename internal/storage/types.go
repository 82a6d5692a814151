package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskping/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "none"/"": disabled; state lives in memory only and every event
//     re-fires once after a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend is the minimal persistence API used by the state store.
type Backend interface {
	// LoadAll returns every stored record blob, keyed by item id.
	LoadAll(ctx context.Context) (map[string][]byte, error)
	Save(ctx context.Context, itemID string, blob []byte) error
	Delete(ctx context.Context, itemID string) error
	Close() error
}

// Open initializes the configured backend.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
