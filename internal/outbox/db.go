// Package outbox persists unsettled sends in a per-session SQLite database
// so that messages composed offline survive a daemon restart. The in-memory
// store remains the read model; this queue only exists to re-seed it and to
// drive retransmission after a crash or reconnect.
package outbox

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the send queue.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping outbox db: %w", err)
	}
	return &DB{db}, nil
}
