// Package booking maintains the authoritative booking-capacity state per
// therapist: how many distinct clients hold active requests, whether the
// therapist is frozen to new clients, and whether an engagement has been
// confirmed. All mutations run under serializable transactions with bounded
// retry so the distinct-client count can never be under-counted by
// concurrent writers.
package booking

import "time"

const schema = `
CREATE TABLE IF NOT EXISTS booking_requests (
	id TEXT PRIMARY KEY,
	therapist_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	reason TEXT NOT NULL DEFAULT '',
	cancelled_by TEXT NOT NULL DEFAULT '',
	confirmed_time TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(therapist_id, client_id)
);
CREATE INDEX IF NOT EXISTS idx_booking_requests_therapist ON booking_requests(therapist_id, status);

CREATE TABLE IF NOT EXISTS booking_capacity (
	therapist_id TEXT PRIMARY KEY,
	unique_client_count INTEGER NOT NULL DEFAULT 0,
	has_confirmed_engagement INTEGER NOT NULL DEFAULT 0,
	frozen_at DATETIME,
	admin_alert_at DATETIME,
	admin_alert_acknowledged INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS therapists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Request statuses.
const (
	StatusActive    = "active"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Request is one client's booking request against one therapist. A client
// holds at most one request per therapist; re-engagement refreshes the
// existing row.
type Request struct {
	ID             string    `json:"id"`
	TherapistID    string    `json:"therapist_id"`
	ClientID       string    `json:"client_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	CancelledBy    string    `json:"cancelled_by,omitempty"`
	ConfirmedTime  string    `json:"confirmed_time,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CapacityRecord is the per-therapist capacity snapshot. It exists only
// while the therapist has at least one non-cancelled request; when the
// recount reaches zero the row is deleted, not zeroed.
type CapacityRecord struct {
	TherapistID            string     `json:"therapist_id"`
	UniqueClientCount      int        `json:"unique_client_count"`
	HasConfirmedEngagement bool       `json:"has_confirmed_engagement"`
	FrozenAt               *time.Time `json:"frozen_at,omitempty"`
	AdminAlertAt           *time.Time `json:"admin_alert_at,omitempty"`
	AdminAlertAcknowledged bool       `json:"admin_alert_acknowledged"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Frozen reports whether the therapist currently rejects new distinct clients.
func (r *CapacityRecord) Frozen() bool {
	return r.FrozenAt != nil || r.HasConfirmedEngagement
}

// Therapist is a directory entry for a bookable therapist.
type Therapist struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
