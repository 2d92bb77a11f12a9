package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maremma/internal/status"
)

const serviceCheckColumns = `id, host_id, service_id, status, last_check, next_check, last_updated, interval_secs`

func scanServiceCheck(sc rowScanner) (*ServiceCheck, error) {
	var check ServiceCheck
	var id, hostID, serviceID, st string
	var lastCheck, nextCheck, lastUpdated int64
	if err := sc.Scan(&id, &hostID, &serviceID, &st, &lastCheck, &nextCheck, &lastUpdated, &check.IntervalSecs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning service check: %w", err)
	}
	var err error
	if check.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing service check id %q: %w", id, err)
	}
	if check.HostID, err = uuid.Parse(hostID); err != nil {
		return nil, fmt.Errorf("parsing host id %q: %w", hostID, err)
	}
	if check.ServiceID, err = uuid.Parse(serviceID); err != nil {
		return nil, fmt.Errorf("parsing service id %q: %w", serviceID, err)
	}
	parsed, err := status.Parse(st)
	if err != nil {
		return nil, err
	}
	check.Status = parsed
	check.LastCheck = fromMillis(lastCheck)
	check.NextCheck = fromMillis(nextCheck)
	check.LastUpdated = fromMillis(lastUpdated)
	return &check, nil
}

// ServiceCheckByID fetches one service check.
func (s *Store) ServiceCheckByID(ctx context.Context, id uuid.UUID) (*ServiceCheck, error) {
	return scanServiceCheck(s.db.QueryRowContext(ctx,
		`SELECT `+serviceCheckColumns+` FROM service_check WHERE id = ?`, id.String()))
}

// ServiceChecks returns every service check.
func (s *Store) ServiceChecks(ctx context.Context) ([]ServiceCheck, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serviceCheckColumns+` FROM service_check`)
	if err != nil {
		return nil, fmt.Errorf("querying service checks: %w", err)
	}
	defer rows.Close()
	var checks []ServiceCheck
	for rows.Next() {
		check, err := scanServiceCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, *check)
	}
	return checks, rows.Err()
}

// NextDue returns up to limit checks whose next_check has passed, ordered so
// the longest-overdue and least-recently-run go first. Disabled checks never
// come back.
func (s *Store) NextDue(ctx context.Context, now time.Time, limit int) ([]ServiceCheck, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceCheckColumns+` FROM service_check
		 WHERE next_check <= ? AND status != ?
		 ORDER BY next_check ASC, last_check ASC, id ASC
		 LIMIT ?`,
		toMillis(now), string(status.Disabled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due checks: %w", err)
	}
	defer rows.Close()

	var due []ServiceCheck
	for rows.Next() {
		check, err := scanServiceCheck(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *check)
	}
	return due, rows.Err()
}

// EarliestNextCheck returns the soonest next_check among schedulable checks,
// for the scheduler's sleep computation.
func (s *Store) EarliestNextCheck(ctx context.Context) (time.Time, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_check) FROM service_check WHERE status != ?`,
		string(status.Disabled),
	).Scan(&next)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying earliest next check: %w", err)
	}
	if !next.Valid {
		return time.Time{}, ErrNotFound
	}
	return fromMillis(next.Int64), nil
}

// RecordResult persists one probe outcome: insert the history row, update
// the check's status and timestamps, and trim history past the bound, all in
// one transaction.
func (s *Store) RecordResult(ctx context.Context, checkID uuid.UUID, result status.CheckResult, checkedAt, nextCheck time.Time) error {
	text := result.ResultText
	if len(text) > status.MaxResultTextBytes {
		text = text[:status.MaxResultTextBytes]
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO service_check_history (service_check_id, timestamp, status, time_elapsed_ms, result_text)
			 VALUES (?, ?, ?, ?, ?)`,
			checkID.String(), toMillis(checkedAt), string(result.Status), result.Elapsed.Milliseconds(), text,
		); err != nil {
			return fmt.Errorf("inserting history: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE service_check SET status = ?, last_check = ?, next_check = ?, last_updated = ?
			 WHERE id = ?`,
			string(result.Status), toMillis(checkedAt), toMillis(nextCheck), toMillis(nowUTC()), checkID.String(),
		)
		if err != nil {
			return fmt.Errorf("updating service check: %w", err)
		}
		affected, err := res.RowsAffected()
		if err == nil && affected == 0 {
			return fmt.Errorf("service check %s: %w", checkID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM service_check_history
			 WHERE service_check_id = ?
			   AND id NOT IN (
				SELECT id FROM service_check_history
				WHERE service_check_id = ?
				ORDER BY timestamp DESC, id DESC
				LIMIT ?
			 )`,
			checkID.String(), checkID.String(), s.maxHistory,
		); err != nil {
			return fmt.Errorf("trimming history: %w", err)
		}
		return nil
	})
}

// Expedite marks a check as due right now. The caller wakes the scheduler.
func (s *Store) Expedite(ctx context.Context, checkID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_check SET next_check = ?, last_updated = ? WHERE id = ? AND status != ?`,
		toMillis(nowUTC()), toMillis(nowUTC()), checkID.String(), string(status.Disabled),
	)
	if err != nil {
		return fmt.Errorf("expediting service check: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule pushes a check's next_check without recording a result, used
// when a dispatch attempt couldn't even start.
func (s *Store) Reschedule(ctx context.Context, checkID uuid.UUID, nextCheck time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE service_check SET next_check = ?, last_updated = ? WHERE id = ?`,
		toMillis(nextCheck), toMillis(nowUTC()), checkID.String(),
	)
	if err != nil {
		return fmt.Errorf("rescheduling service check: %w", err)
	}
	return nil
}

// DeleteServiceCheck removes a check and its history, then sweeps up the
// host or service it anchored if nothing else references them.
func (s *Store) DeleteServiceCheck(ctx context.Context, checkID uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		check, err := scanServiceCheck(tx.QueryRowContext(ctx,
			`SELECT `+serviceCheckColumns+` FROM service_check WHERE id = ?`, checkID.String()))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM service_check_history WHERE service_check_id = ?`, checkID.String()); err != nil {
			return fmt.Errorf("deleting history: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM service_check WHERE id = ?`, checkID.String()); err != nil {
			return fmt.Errorf("deleting service check: %w", err)
		}
		if err := deleteIfUnreferenced(ctx, tx, "host", "host_id", check.HostID); err != nil {
			return err
		}
		return deleteIfUnreferenced(ctx, tx, "service", "service_id", check.ServiceID)
	})
}

// ConsecutiveErrors counts how many of the newest history rows for a check
// are Error results, stopping at the first non-Error.
func (s *Store) ConsecutiveErrors(ctx context.Context, checkID uuid.UUID, scan int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status FROM service_check_history
		 WHERE service_check_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		checkID.String(), scan,
	)
	if err != nil {
		return 0, fmt.Errorf("querying recent statuses: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return 0, fmt.Errorf("scanning status: %w", err)
		}
		if status.Status(st) != status.Error {
			break
		}
		count++
	}
	return count, rows.Err()
}

// HostReachabilityStatus returns the latest status of the service check that
// judges host reachability: any check on the host whose service_type matches
// the host's own check kind. ErrNotFound when the host has no such check.
func (s *Store) HostReachabilityStatus(ctx context.Context, hostID uuid.UUID, checkKind string) (status.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT sc.status FROM service_check sc
		 JOIN service svc ON svc.id = sc.service_id
		 WHERE sc.host_id = ? AND svc.service_type = ?
		 ORDER BY sc.last_check DESC LIMIT 1`,
		hostID.String(), checkKind,
	).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return status.Unknown, ErrNotFound
	}
	if err != nil {
		return status.Unknown, fmt.Errorf("querying host reachability: %w", err)
	}
	return status.Parse(st)
}
