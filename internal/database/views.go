package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"maremma/internal/status"
)

// DefaultPageSize is how many service checks a list page holds.
const DefaultPageSize = 50

// CheckFilter narrows the service-check list view.
type CheckFilter struct {
	HostID   *uuid.UUID
	GroupID  *uuid.UUID
	Status   *status.Status
	Page     int
	PageSize int
}

// ListServiceChecks returns one page of service checks, ordered by current
// status precedence (worst first) then host and service name.
func (s *Store) ListServiceChecks(ctx context.Context, filter CheckFilter) ([]ServiceCheckDetail, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	query := `SELECT sc.id, sc.host_id, sc.service_id, sc.status, sc.last_check, sc.next_check,
		sc.last_updated, sc.interval_secs, h.name, svc.name, svc.service_type
		FROM service_check sc
		JOIN host h ON h.id = sc.host_id
		JOIN service svc ON svc.id = sc.service_id`
	var args []any
	var where []string

	if filter.HostID != nil {
		where = append(where, `sc.host_id = ?`)
		args = append(args, filter.HostID.String())
	}
	if filter.GroupID != nil {
		where = append(where, `sc.host_id IN (SELECT host_id FROM host_group_member WHERE group_id = ?)`)
		args = append(args, filter.GroupID.String())
	}
	if filter.Status != nil {
		where = append(where, `sc.status = ?`)
		args = append(args, string(*filter.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += ` ORDER BY CASE sc.status
			WHEN 'error' THEN 0
			WHEN 'critical' THEN 1
			WHEN 'warning' THEN 2
			WHEN 'unknown' THEN 3
			WHEN 'disabled' THEN 4
			WHEN 'pending' THEN 5
			ELSE 6 END,
		h.name, svc.name
		LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing service checks: %w", err)
	}
	defer rows.Close()

	var out []ServiceCheckDetail
	for rows.Next() {
		var d ServiceCheckDetail
		var id, hostID, serviceID, st string
		var lastCheck, nextCheck, lastUpdated int64
		if err := rows.Scan(&id, &hostID, &serviceID, &st, &lastCheck, &nextCheck, &lastUpdated,
			&d.IntervalSecs, &d.HostName, &d.ServiceName, &d.ServiceType); err != nil {
			return nil, fmt.Errorf("scanning service check detail: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing id %q: %w", id, err)
		}
		if d.HostID, err = uuid.Parse(hostID); err != nil {
			return nil, fmt.Errorf("parsing host id %q: %w", hostID, err)
		}
		if d.ServiceID, err = uuid.Parse(serviceID); err != nil {
			return nil, fmt.Errorf("parsing service id %q: %w", serviceID, err)
		}
		parsed, err := status.Parse(st)
		if err != nil {
			return nil, err
		}
		d.Status = parsed
		d.LastCheck = fromMillis(lastCheck)
		d.NextCheck = fromMillis(nextCheck)
		d.LastUpdated = fromMillis(lastUpdated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// History returns the latest limit history rows for a check, newest first.
func (s *Store) History(ctx context.Context, checkID uuid.UUID, limit int64) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_check_id, timestamp, status, time_elapsed_ms, result_text
		 FROM service_check_history
		 WHERE service_check_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		checkID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var scID, st string
		var ts int64
		if err := rows.Scan(&e.ID, &scID, &ts, &st, &e.TimeElapsedMs, &e.ResultText); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		if e.ServiceCheckID, err = uuid.Parse(scID); err != nil {
			return nil, fmt.Errorf("parsing service check id %q: %w", scID, err)
		}
		parsed, err := status.Parse(st)
		if err != nil {
			return nil, err
		}
		e.Status = parsed
		e.Timestamp = fromMillis(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HistoryCount returns the number of history rows for a check.
func (s *Store) HistoryCount(ctx context.Context, checkID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_check_history WHERE service_check_id = ?`,
		checkID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return count, nil
}

// StatusTotals counts service checks per status. Every status appears in the
// result, zero-valued when absent, so metrics gauges never go stale.
func (s *Store) StatusTotals(ctx context.Context) (map[status.Status]int64, error) {
	totals := make(map[status.Status]int64, len(status.All))
	for _, st := range status.All {
		totals[st] = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM service_check GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying status totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var count int64
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scanning status total: %w", err)
		}
		parsed, err := status.Parse(st)
		if err != nil {
			return nil, err
		}
		totals[parsed] = count
	}
	return totals, rows.Err()
}

// LatencyQuantiles returns the p50 and p95 of each check's most recent
// elapsed time, in milliseconds.
func (s *Store) LatencyQuantiles(ctx context.Context) (p50, p95 int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.time_elapsed_ms FROM service_check_history h
		 JOIN (
			SELECT service_check_id, MAX(id) AS max_id
			FROM service_check_history GROUP BY service_check_id
		 ) latest ON latest.max_id = h.id`)
	if err != nil {
		return 0, 0, fmt.Errorf("querying latencies: %w", err)
	}
	defer rows.Close()

	var samples []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return 0, 0, fmt.Errorf("scanning latency: %w", err)
		}
		samples = append(samples, ms)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(samples) == 0 {
		return 0, 0, nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return quantile(samples, 0.50), quantile(samples, 0.95), nil
}

func quantile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// OverdueCount counts checks more than two cron periods past due.
func (s *Store) OverdueCount(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_check
		 WHERE status != 'disabled' AND next_check < ? - 2 * interval_secs * 1000`,
		toMillis(now),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting overdue checks: %w", err)
	}
	return count, nil
}

// HistoryOffenders returns the ids of the checks with the most history rows
// over the bound, worst first, capped at limit. The shepherd trims these.
func (s *Store) HistoryOffenders(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_check_id FROM service_check_history
		 GROUP BY service_check_id
		 HAVING COUNT(*) > ?
		 ORDER BY COUNT(*) DESC LIMIT ?`,
		s.maxHistory, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history offenders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning offender id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing offender id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TrimHistory deletes history rows beyond the retention bound for one check.
func (s *Store) TrimHistory(ctx context.Context, checkID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM service_check_history
		 WHERE service_check_id = ?
		   AND id NOT IN (
			SELECT id FROM service_check_history
			WHERE service_check_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		 )`,
		checkID.String(), checkID.String(), s.maxHistory,
	)
	if err != nil {
		return 0, fmt.Errorf("trimming history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}
