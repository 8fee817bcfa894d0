package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DirectoryEntry is the external view of a therapist: whether they are
// active in the directory, whether they are currently frozen, and where
// mail for them goes.
type DirectoryEntry struct {
	Therapist
	Frozen bool `json:"frozen"`
}

// Directory is the therapist registry. Freeze state is derived from the
// capacity table, not stored here.
type Directory struct {
	db *sql.DB
}

// NewDirectory returns a directory over the shared database. The therapists
// table is created by the capacity controller's schema.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Upsert inserts or updates a therapist entry.
func (d *Directory) Upsert(ctx context.Context, t Therapist) error {
	if t.ID == "" {
		return fmt.Errorf("upsert therapist: id is required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO therapists (id, name, email, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			active = excluded.active`,
		t.ID, t.Name, t.Email, t.Active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert therapist %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a therapist with their derived freeze state, or (nil, nil)
// when the id is unknown.
func (d *Directory) Get(ctx context.Context, id string) (*DirectoryEntry, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.email, t.active, t.created_at,
			c.frozen_at IS NOT NULL OR COALESCE(c.has_confirmed_engagement, 0)
		FROM therapists t
		LEFT JOIN booking_capacity c ON c.therapist_id = t.id
		WHERE t.id = ?`, id)

	var e DirectoryEntry
	err := row.Scan(&e.ID, &e.Name, &e.Email, &e.Active, &e.CreatedAt, &e.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get therapist %s: %w", id, err)
	}
	return &e, nil
}

// SetActive toggles directory visibility without touching booking state.
func (d *Directory) SetActive(ctx context.Context, id string, active bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE therapists SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set therapist active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set therapist active: unknown therapist %s", id)
	}
	return nil
}

// List returns all therapists in the directory.
func (d *Directory) List(ctx context.Context) ([]DirectoryEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.email, t.active, t.created_at,
			c.frozen_at IS NOT NULL OR COALESCE(c.has_confirmed_engagement, 0)
		FROM therapists t
		LEFT JOIN booking_capacity c ON c.therapist_id = t.id
		ORDER BY t.name, t.id`)
	if err != nil {
		return nil, fmt.Errorf("list therapists: %w", err)
	}
	defer rows.Close()

	var out []DirectoryEntry
	for rows.Next() {
		var e DirectoryEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.Active, &e.CreatedAt, &e.Frozen); err != nil {
			return nil, fmt.Errorf("scan therapist: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
