package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskping/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &sqliteBackend{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	sqlText, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(sqlText))
	return err
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqliteBackend) LoadAll(ctx context.Context) (map[string][]byte, error) {
	if b == nil || b.db == nil {
		return nil, ErrDisabled
	}
	rows, err := b.db.QueryContext(ctx, `SELECT item_id, state FROM notification_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = blob
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Save(ctx context.Context, itemID string, blob []byte) error {
	if b == nil || b.db == nil {
		return ErrDisabled
	}
	if itemID == "" {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO notification_state(item_id, state, updated_at) VALUES(?,?,?)
		 ON CONFLICT(item_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		itemID, blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (b *sqliteBackend) Delete(ctx context.Context, itemID string) error {
	if b == nil || b.db == nil {
		return ErrDisabled
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM notification_state WHERE item_id = ?`, itemID)
	return err
}
