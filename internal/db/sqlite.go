package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteOpts struct {
	BusyTimeout time.Duration
	PingTimeout time.Duration
}

// NewSQLiteConnection opens a *sqlx.DB on the device store. WAL mode keeps
// readers unblocked while the other process commits; busy_timeout bounds the
// wait for the single writer slot instead of failing fast with SQLITE_BUSY.
func NewSQLiteConnection(path string, opts SQLiteOpts) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")

	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	dbx, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// One connection per process side-steps SQLITE_BUSY between goroutines;
	// cross-process contention is handled by busy_timeout above.
	dbx.SetMaxOpenConns(1)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := dbx.PingContext(ctx); err != nil {
		_ = dbx.Close()
		return nil, err
	}

	return dbx, nil
}
