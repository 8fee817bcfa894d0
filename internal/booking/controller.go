package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/resilience"
)

// ErrSerializationConflict marks a transaction that lost a serialization
// race and should be retried from the top.
var ErrSerializationConflict = errors.New("serialization conflict")

// Config tunes the capacity controller.
type Config struct {
	MaxDistinctClients int `envconfig:"BOOKING_MAX_DISTINCT_CLIENTS" json:"max_distinct_clients"`
	TxMaxAttempts      int `envconfig:"BOOKING_TX_MAX_ATTEMPTS" json:"tx_max_attempts"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDistinctClients: 2,
		TxMaxAttempts:      3,
	}
}

// Controller owns all capacity mutations. Every write runs through
// withSerializableTx: read the distinct-client set and write the new count
// in one serializable transaction, retrying bounded times on conflict.
// No in-memory locking is involved, so the discipline holds across
// processes sharing the database file.
type Controller struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    float64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// conflictHook, when set, is invoked at the start of each transaction
	// attempt so tests can inject serialization conflicts.
	conflictHook func(attempt int) error
}

// NewController applies the booking schema and returns the controller.
func NewController(db *sql.DB, cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.MaxDistinctClients <= 0 {
		cfg.MaxDistinctClients = DefaultConfig().MaxDistinctClients
	}
	if cfg.TxMaxAttempts <= 0 {
		cfg.TxMaxAttempts = DefaultConfig().TxMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply booking schema: %w", err)
	}
	return &Controller{
		db:        db,
		cfg:       cfg,
		logger:    logger,
		baseDelay: 50 * time.Millisecond,
		maxDelay:  500 * time.Millisecond,
		jitter:    0.2,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}, nil
}

// isConflict reports whether err is a serialization or lock conflict that
// warrants retrying the whole transaction. modernc.org/sqlite surfaces
// SQLITE_BUSY and SQLITE_LOCKED as string-typed errors.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerializationConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func (c *Controller) backoff(retry int) time.Duration {
	d := c.baseDelay << (retry - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return resilience.Jitter(d, c.jitter)
}

// withSerializableTx runs fn inside a serializable transaction, retrying on
// serialization conflicts with exponential backoff. Exhaustion propagates
// the last conflict to the caller; swallowing it could leave a therapist
// unfrozen or mis-counted.
func (c *Controller) withSerializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.TxMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if c.conflictHook != nil {
			if hookErr := c.conflictHook(attempt); hookErr != nil {
				tx.Rollback()
				if !isConflict(hookErr) {
					return hookErr
				}
				lastErr = hookErr
				c.logger.Debug("booking transaction conflict", "attempt", attempt, "error", hookErr)
				continue
			}
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if !isConflict(err) {
				return err
			}
			lastErr = err
			c.logger.Debug("booking transaction conflict", "attempt", attempt, "error", err)
			continue
		}
		if err := tx.Commit(); err != nil {
			if !isConflict(err) {
				return fmt.Errorf("commit transaction: %w", err)
			}
			lastErr = err
			c.logger.Debug("booking commit conflict", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("booking transaction failed after %d attempts: %w", c.cfg.TxMaxAttempts, lastErr)
}

// distinctActiveClients counts clients with a non-cancelled request for the
// therapist, inside the caller's transaction.
func distinctActiveClients(tx *sql.Tx, therapistID string) (int, error) {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(DISTINCT client_id) FROM booking_requests
		WHERE therapist_id = ? AND status != ?`, therapistID, StatusCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count distinct clients: %w", err)
	}
	return n, nil
}

// RecordNewRequest registers (or refreshes) a client's request against a
// therapist, recounts distinct clients, and freezes the therapist. The
// recount happens inside the same serializable transaction as the write,
// so two concurrent requests can never leave the count below the true
// number of distinct clients.
func (c *Controller) RecordNewRequest(ctx context.Context, therapistID, clientID string) error {
	if therapistID == "" || clientID == "" {
		return fmt.Errorf("record request: therapist and client ids are required")
	}
	now := c.now().UTC()
	err := c.withSerializableTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO booking_requests (id, therapist_id, client_id, status, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(therapist_id, client_id) DO UPDATE SET
				status = CASE WHEN booking_requests.status = 'cancelled' THEN 'active' ELSE booking_requests.status END,
				last_activity_at = excluded.last_activity_at`,
			uuid.NewString(), therapistID, clientID, StatusActive, now, now)
		if err != nil {
			return fmt.Errorf("upsert request: %w", err)
		}
		count, err := distinctActiveClients(tx, therapistID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO booking_capacity (therapist_id, unique_client_count, frozen_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(therapist_id) DO UPDATE SET
				unique_client_count = excluded.unique_client_count,
				frozen_at = excluded.frozen_at,
				updated_at = excluded.updated_at`,
			therapistID, count, now, now)
		if err != nil {
			return fmt.Errorf("upsert capacity: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("booking request recorded", "therapist", therapistID, "client", clientID)
	return nil
}

// CanAcceptNewRequest reports whether the therapist can take a request from
// this client, with a short human-readable reason when it cannot. A client
// that already holds a non-cancelled request is always accepted so an
// ongoing conversation can continue.
func (c *Controller) CanAcceptNewRequest(ctx context.Context, therapistID, clientID string) (bool, string, error) {
	var status string
	err := c.db.QueryRowContext(ctx, `
		SELECT status FROM booking_requests
		WHERE therapist_id = ? AND client_id = ? AND status != ?`,
		therapistID, clientID, StatusCancelled).Scan(&status)
	if err == nil {
		return true, "existing engagement", nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("look up existing request: %w", err)
	}

	rec, err := c.GetCapacity(ctx, therapistID)
	if err != nil {
		return false, "", err
	}
	switch {
	case rec == nil:
		return true, "fully available", nil
	case rec.HasConfirmedEngagement:
		return false, "engagement already confirmed", nil
	case rec.UniqueClientCount >= c.cfg.MaxDistinctClients:
		return false, "at distinct-client capacity", nil
	case rec.FrozenAt != nil:
		return false, "frozen pending existing requests", nil
	default:
		return true, "capacity available", nil
	}
}

// CancelRequest marks the client's request cancelled and recounts. When the
// recount reaches zero the capacity record is deleted so the therapist
// returns to fully available.
func (c *Controller) CancelRequest(ctx context.Context, therapistID, clientID, reason, cancelledBy string) error {
	now := c.now().UTC()
	var remaining int
	err := c.withSerializableTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE booking_requests
			SET status = ?, reason = ?, cancelled_by = ?, last_activity_at = ?
			WHERE therapist_id = ? AND client_id = ? AND status != ?`,
			StatusCancelled, reason, cancelledBy, now, therapistID, clientID, StatusCancelled)
		if err != nil {
			return fmt.Errorf("cancel request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cancel request: no active request for therapist %s client %s", therapistID, clientID)
		}
		count, err := distinctActiveClients(tx, therapistID)
		if err != nil {
			return err
		}
		remaining = count
		if count == 0 {
			if _, err := tx.Exec(`DELETE FROM booking_capacity WHERE therapist_id = ?`, therapistID); err != nil {
				return fmt.Errorf("delete capacity record: %w", err)
			}
			return nil
		}
		_, err = tx.Exec(`
			UPDATE booking_capacity SET unique_client_count = ?, updated_at = ?
			WHERE therapist_id = ?`, count, now, therapistID)
		if err != nil {
			return fmt.Errorf("update capacity count: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("booking request cancelled",
		"therapist", therapistID, "client", clientID, "by", cancelledBy, "remaining_clients", remaining)
	return nil
}

// ConfirmEngagement marks the client's request confirmed and freezes the
// therapist permanently. A confirmed therapist never accepts new clients
// and is skipped by the inactivity sweep.
func (c *Controller) ConfirmEngagement(ctx context.Context, therapistID, clientID, confirmedTime, notes string) error {
	now := c.now().UTC()
	err := c.withSerializableTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE booking_requests
			SET status = ?, confirmed_time = ?, notes = ?, last_activity_at = ?
			WHERE therapist_id = ? AND client_id = ? AND status = ?`,
			StatusConfirmed, confirmedTime, notes, now, therapistID, clientID, StatusActive)
		if err != nil {
			return fmt.Errorf("confirm request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("confirm request: no active request for therapist %s client %s", therapistID, clientID)
		}
		count, err := distinctActiveClients(tx, therapistID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO booking_capacity (therapist_id, unique_client_count, has_confirmed_engagement, frozen_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(therapist_id) DO UPDATE SET
				unique_client_count = excluded.unique_client_count,
				has_confirmed_engagement = 1,
				updated_at = excluded.updated_at`,
			therapistID, count, now, now)
		if err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("engagement confirmed", "therapist", therapistID, "client", clientID, "time", confirmedTime)
	return nil
}

// TouchActivity refreshes the request's activity timestamp. Called on every
// inbound message so the inactivity sweep measures real silence.
func (c *Controller) TouchActivity(ctx context.Context, therapistID, clientID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE booking_requests SET last_activity_at = ?
		WHERE therapist_id = ? AND client_id = ? AND status = ?`,
		c.now().UTC(), therapistID, clientID, StatusActive)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// SweepResult describes what the inactivity sweep did to one therapist.
type SweepResult struct {
	TherapistID string
	Unfroze     bool
	Alerted     bool
}

// UnfreezeInactive scans frozen, unconfirmed therapists. A therapist whose
// active requests have all been silent longer than inactiveAfter is
// unfrozen. A therapist frozen longer than alertAfter gets the admin alert
// flag raised once; the alert is raised and the unfreeze applied in the
// same pass, and the flags are independent of one another.
func (c *Controller) UnfreezeInactive(ctx context.Context, inactiveAfter, alertAfter time.Duration) ([]SweepResult, error) {
	now := c.now().UTC()
	var results []SweepResult
	err := c.withSerializableTx(ctx, func(tx *sql.Tx) error {
		results = results[:0]
		rows, err := tx.Query(`
			SELECT therapist_id, frozen_at, admin_alert_at FROM booking_capacity
			WHERE frozen_at IS NOT NULL AND has_confirmed_engagement = 0`)
		if err != nil {
			return fmt.Errorf("scan frozen therapists: %w", err)
		}
		type frozen struct {
			id       string
			frozenAt time.Time
			alerted  bool
		}
		var candidates []frozen
		for rows.Next() {
			var f frozen
			var alertAt sql.NullTime
			if err := rows.Scan(&f.id, &f.frozenAt, &alertAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan frozen row: %w", err)
			}
			f.alerted = alertAt.Valid
			candidates = append(candidates, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate frozen rows: %w", err)
		}

		for _, f := range candidates {
			var newest sql.NullTime
			err := tx.QueryRow(`
				SELECT MAX(last_activity_at) FROM booking_requests
				WHERE therapist_id = ? AND status = ?`, f.id, StatusActive).Scan(&newest)
			if err != nil {
				return fmt.Errorf("latest activity for %s: %w", f.id, err)
			}
			res := SweepResult{TherapistID: f.id}
			if !f.alerted && now.Sub(f.frozenAt) >= alertAfter {
				if _, err := tx.Exec(`
					UPDATE booking_capacity SET admin_alert_at = ?, admin_alert_acknowledged = 0, updated_at = ?
					WHERE therapist_id = ?`, now, now, f.id); err != nil {
					return fmt.Errorf("raise admin alert for %s: %w", f.id, err)
				}
				res.Alerted = true
			}
			inactive := !newest.Valid || now.Sub(newest.Time) >= inactiveAfter
			if inactive {
				if _, err := tx.Exec(`
					UPDATE booking_capacity SET frozen_at = NULL, updated_at = ?
					WHERE therapist_id = ?`, now, f.id); err != nil {
					return fmt.Errorf("unfreeze %s: %w", f.id, err)
				}
				res.Unfroze = true
			}
			if res.Unfroze || res.Alerted {
				results = append(results, res)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		c.logger.Info("inactivity sweep action", "therapist", r.TherapistID, "unfroze", r.Unfroze, "alerted", r.Alerted)
	}
	return results, nil
}

// AcknowledgeAlert clears the admin attention flag.
func (c *Controller) AcknowledgeAlert(ctx context.Context, therapistID string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE booking_capacity SET admin_alert_acknowledged = 1, updated_at = ?
		WHERE therapist_id = ? AND admin_alert_at IS NOT NULL`, c.now().UTC(), therapistID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("acknowledge alert: no raised alert for therapist %s", therapistID)
	}
	return nil
}

// GetCapacity returns the therapist's capacity record, or nil when the
// therapist has no non-cancelled requests.
func (c *Controller) GetCapacity(ctx context.Context, therapistID string) (*CapacityRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT therapist_id, unique_client_count, has_confirmed_engagement,
			frozen_at, admin_alert_at, admin_alert_acknowledged, updated_at
		FROM booking_capacity WHERE therapist_id = ?`, therapistID)
	rec, err := scanCapacity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListCapacity returns all capacity records, busiest first.
func (c *Controller) ListCapacity(ctx context.Context) ([]CapacityRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT therapist_id, unique_client_count, has_confirmed_engagement,
			frozen_at, admin_alert_at, admin_alert_acknowledged, updated_at
		FROM booking_capacity ORDER BY unique_client_count DESC, therapist_id`)
	if err != nil {
		return nil, fmt.Errorf("list capacity: %w", err)
	}
	defer rows.Close()

	var out []CapacityRecord
	for rows.Next() {
		rec, err := scanCapacity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapacity(row rowScanner) (*CapacityRecord, error) {
	var rec CapacityRecord
	var frozenAt, alertAt sql.NullTime
	err := row.Scan(&rec.TherapistID, &rec.UniqueClientCount, &rec.HasConfirmedEngagement,
		&frozenAt, &alertAt, &rec.AdminAlertAcknowledged, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if frozenAt.Valid {
		rec.FrozenAt = &frozenAt.Time
	}
	if alertAt.Valid {
		rec.AdminAlertAt = &alertAt.Time
	}
	return &rec, nil
}
