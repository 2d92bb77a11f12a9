package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maremma/internal/status"
)

// ErrNotFound is returned when a row doesn't exist.
var ErrNotFound = errors.New("not found")

// HostByName looks a host up by its configuration key.
func (s *Store) HostByName(ctx context.Context, name string) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx,
		`SELECT id, name, hostname, check_type, config FROM host WHERE name = ?`, name))
}

// HostByID looks a host up by UUID.
func (s *Store) HostByID(ctx context.Context, id uuid.UUID) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx,
		`SELECT id, name, hostname, check_type, config FROM host WHERE id = ?`, id.String()))
}

// Hosts returns every host, ordered by name.
func (s *Store) Hosts(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hostname, check_type, config FROM host ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHostRows(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHostFrom(sc rowScanner) (*Host, error) {
	var h Host
	var id, configRaw string
	if err := sc.Scan(&id, &h.Name, &h.Hostname, &h.Check, &configRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning host: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing host id %q: %w", id, err)
	}
	h.ID = parsed
	if err := json.Unmarshal([]byte(configRaw), &h.Config); err != nil {
		return nil, fmt.Errorf("parsing host config: %w", err)
	}
	return &h, nil
}

func scanHost(row *sql.Row) (*Host, error) {
	return scanHostFrom(row)
}

func scanHostRows(rows *sql.Rows) (*Host, error) {
	return scanHostFrom(rows)
}

// ServiceByName looks a service up by its configuration key.
func (s *Store) ServiceByName(ctx context.Context, name string) (*Service, error) {
	return scanServiceFrom(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, service_type, cron_schedule, extra_config FROM service WHERE name = ?`, name))
}

// ServiceByID looks a service up by UUID.
func (s *Store) ServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	return scanServiceFrom(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, service_type, cron_schedule, extra_config FROM service WHERE id = ?`, id.String()))
}

// Services returns every service, ordered by name.
func (s *Store) Services(ctx context.Context) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, service_type, cron_schedule, extra_config FROM service ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		svc, err := scanServiceFrom(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}

func scanServiceFrom(sc rowScanner) (*Service, error) {
	var svc Service
	var id, extraRaw string
	if err := sc.Scan(&id, &svc.Name, &svc.Description, &svc.ServiceType, &svc.CronSchedule, &extraRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning service: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing service id %q: %w", id, err)
	}
	svc.ID = parsed
	if err := json.Unmarshal([]byte(extraRaw), &svc.ExtraConfig); err != nil {
		return nil, fmt.Errorf("parsing service extra_config: %w", err)
	}
	return &svc, nil
}

// GroupByName looks a host group up by name.
func (s *Store) GroupByName(ctx context.Context, name string) (*HostGroup, error) {
	var g HostGroup
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM host_group WHERE name = ?`, name).
		Scan(&id, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying host group: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing group id %q: %w", id, err)
	}
	g.ID = parsed
	return &g, nil
}

// Groups returns every host group, ordered by name.
func (s *Store) Groups(ctx context.Context) ([]HostGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM host_group ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying host groups: %w", err)
	}
	defer rows.Close()

	var groups []HostGroup
	for rows.Next() {
		var g HostGroup
		var id string
		if err := rows.Scan(&id, &g.Name); err != nil {
			return nil, fmt.Errorf("scanning host group: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing group id %q: %w", id, err)
		}
		g.ID = parsed
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Plan is the reconciler's output: the set of writes that converge the
// persisted inventory to the configuration document, applied atomically.
type Plan struct {
	Hosts    []Host
	Services []Service
	Groups   []HostGroup

	// Desired group memberships, replacing whatever is stored
	HostGroupLinks    map[uuid.UUID][]uuid.UUID
	ServiceGroupLinks map[uuid.UUID][]uuid.UUID

	AddChecks []ServiceCheck
	// Checks whose tuple is no longer implied. Checks with history are
	// disabled instead of deleted so their history stays reachable.
	RemoveCheckIDs []uuid.UUID

	DeleteHostIDs    []uuid.UUID
	DeleteServiceIDs []uuid.UUID
	DeleteGroupIDs   []uuid.UUID
}

// Empty reports whether applying the plan would write nothing.
func (p *Plan) Empty() bool {
	return len(p.Hosts) == 0 && len(p.Services) == 0 && len(p.Groups) == 0 &&
		len(p.HostGroupLinks) == 0 && len(p.ServiceGroupLinks) == 0 &&
		len(p.AddChecks) == 0 && len(p.RemoveCheckIDs) == 0 &&
		len(p.DeleteHostIDs) == 0 && len(p.DeleteServiceIDs) == 0 && len(p.DeleteGroupIDs) == 0
}

// ApplyPlan applies a reconciliation plan in a single transaction.
func (s *Store) ApplyPlan(ctx context.Context, plan *Plan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range plan.Groups {
			g := &plan.Groups[i]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO host_group (id, name) VALUES (?, ?)
				 ON CONFLICT(name) DO NOTHING`,
				g.ID.String(), g.Name,
			); err != nil {
				return fmt.Errorf("upserting group %s: %w", g.Name, err)
			}
		}

		for i := range plan.Hosts {
			h := &plan.Hosts[i]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO host (id, name, hostname, check_type, config) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(name) DO UPDATE SET
					hostname = excluded.hostname,
					check_type = excluded.check_type,
					config = excluded.config`,
				h.ID.String(), h.Name, h.Hostname, h.Check, h.configJSON(),
			); err != nil {
				return fmt.Errorf("upserting host %s: %w", h.Name, err)
			}
		}

		for i := range plan.Services {
			svc := &plan.Services[i]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO service (id, name, description, service_type, cron_schedule, extra_config)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(name) DO UPDATE SET
					description = excluded.description,
					service_type = excluded.service_type,
					cron_schedule = excluded.cron_schedule,
					extra_config = excluded.extra_config`,
				svc.ID.String(), svc.Name, svc.Description, svc.ServiceType, svc.CronSchedule, svc.extraConfigJSON(),
			); err != nil {
				return fmt.Errorf("upserting service %s: %w", svc.Name, err)
			}
		}

		for hostID, groupIDs := range plan.HostGroupLinks {
			if err := replaceLinks(ctx, tx, "host_group_member", "host_id", "group_id", hostID, groupIDs); err != nil {
				return err
			}
		}
		for serviceID, groupIDs := range plan.ServiceGroupLinks {
			if err := replaceLinks(ctx, tx, "service_group_link", "service_id", "group_id", serviceID, groupIDs); err != nil {
				return err
			}
		}

		for i := range plan.AddChecks {
			sc := &plan.AddChecks[i]
			// re-enabling an anchored check must not reset it to pending:
			// pending is reserved for checks with zero history, so a
			// surviving history row supplies the status instead
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO service_check (id, host_id, service_id, status, last_check, next_check, last_updated, interval_secs)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(host_id, service_id) DO UPDATE SET
					status = CASE WHEN service_check.status = 'disabled' THEN COALESCE(
						(SELECT h.status FROM service_check_history h
						 WHERE h.service_check_id = service_check.id
						 ORDER BY h.timestamp DESC, h.id DESC LIMIT 1),
						excluded.status
					) ELSE service_check.status END,
					next_check = CASE WHEN service_check.status = 'disabled' THEN excluded.next_check ELSE service_check.next_check END,
					interval_secs = excluded.interval_secs,
					last_updated = excluded.last_updated`,
				sc.ID.String(), sc.HostID.String(), sc.ServiceID.String(), string(sc.Status),
				toMillis(sc.LastCheck), toMillis(sc.NextCheck), toMillis(sc.LastUpdated), sc.IntervalSecs,
			); err != nil {
				return fmt.Errorf("inserting service check: %w", err)
			}
		}

		for _, id := range plan.RemoveCheckIDs {
			var hasHistory int
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM service_check_history WHERE service_check_id = ?)`,
				id.String(),
			).Scan(&hasHistory); err != nil {
				return fmt.Errorf("checking history for %s: %w", id, err)
			}
			if hasHistory == 1 {
				// keep the row as an anchor for its history, out of the
				// scheduler's reach
				if _, err := tx.ExecContext(ctx,
					`UPDATE service_check SET status = ?, last_updated = ? WHERE id = ?`,
					string(status.Disabled), toMillis(nowUTC()), id.String(),
				); err != nil {
					return fmt.Errorf("disabling service check %s: %w", id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM service_check WHERE id = ?`, id.String(),
			); err != nil {
				return fmt.Errorf("deleting service check %s: %w", id, err)
			}
		}

		for _, id := range plan.DeleteServiceIDs {
			if err := deleteIfUnreferenced(ctx, tx, "service", "service_id", id); err != nil {
				return err
			}
		}
		for _, id := range plan.DeleteHostIDs {
			if err := deleteIfUnreferenced(ctx, tx, "host", "host_id", id); err != nil {
				return err
			}
		}
		for _, id := range plan.DeleteGroupIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM host_group WHERE id = ?`, id.String()); err != nil {
				return fmt.Errorf("deleting group %s: %w", id, err)
			}
		}

		return nil
	})
}

// deleteIfUnreferenced removes a host or service only when no service_check
// row still points at it. Rows kept as history anchors block the delete.
func deleteIfUnreferenced(ctx context.Context, tx *sql.Tx, table, column string, id uuid.UUID) error {
	var refs int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM service_check WHERE %s = ?`, column),
		id.String(),
	).Scan(&refs); err != nil {
		return fmt.Errorf("counting references to %s %s: %w", table, id, err)
	}
	if refs > 0 {
		logrus.WithFields(logrus.Fields{
			"table": table,
			"id":    id.String(),
			"refs":  refs,
		}).Debug("Deferring delete, row still referenced")
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id.String(),
	); err != nil {
		return fmt.Errorf("deleting %s %s: %w", table, id, err)
	}
	return nil
}

func replaceLinks(ctx context.Context, tx *sql.Tx, table, ownerCol, groupCol string, owner uuid.UUID, groups []uuid.UUID) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, ownerCol), owner.String(),
	); err != nil {
		return fmt.Errorf("clearing %s links: %w", table, err)
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?)`, table, ownerCol, groupCol),
			owner.String(), g.String(),
		); err != nil {
			return fmt.Errorf("inserting %s link: %w", table, err)
		}
	}
	return nil
}
