// Package storage opens the shared SQLite database used by the booking,
// checkpoint, and audit packages. Each of those packages owns its tables and
// applies its own schema against the handle returned here.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite database at path with the
// pragmas the persistence layer relies on: WAL for concurrent readers and a
// busy timeout so writers queue instead of failing instantly.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
