// Package reconcile converges the persisted inventory to the configuration
// document.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maremma/internal/config"
	"maremma/internal/database"
	"maremma/internal/status"
)

// Reconciler diffs a parsed configuration against the store and applies the
// difference in one transaction. It runs at startup and on reload, never
// concurrently with itself.
type Reconciler struct {
	store *database.Store
	mu    sync.Mutex
}

// New builds a Reconciler over the given store.
func New(store *database.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Apply reconciles the store with cfg. Applying the same config twice is a
// no-op on the second pass.
func (r *Reconciler) Apply(ctx context.Context, cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	plan := &database.Plan{
		HostGroupLinks:    map[uuid.UUID][]uuid.UUID{},
		ServiceGroupLinks: map[uuid.UUID][]uuid.UUID{},
	}

	groupIDs, err := r.canonicalGroups(ctx, cfg, plan)
	if err != nil {
		return err
	}
	hostIDs, err := r.canonicalHosts(ctx, cfg, plan, groupIDs)
	if err != nil {
		return err
	}
	serviceIDs, err := r.canonicalServices(ctx, cfg, plan, groupIDs)
	if err != nil {
		return err
	}

	// the tuple set the config implies: every (host, service) pair joined
	// through a shared group, plus the local services on the synthetic host
	implied := map[[2]uuid.UUID]*config.Service{}
	groupHosts := map[string][]uuid.UUID{}
	for hostName, host := range cfg.Hosts {
		for _, group := range host.HostGroups {
			groupHosts[group] = append(groupHosts[group], hostIDs[hostName])
		}
	}
	for svcName := range cfg.Services {
		svc := cfg.Services[svcName]
		for _, group := range svc.HostGroups {
			for _, hostID := range groupHosts[group] {
				implied[[2]uuid.UUID{hostID, serviceIDs[svcName]}] = &svc
			}
		}
	}
	if localID, ok := hostIDs[config.LocalServiceHostName]; ok {
		for _, svcName := range cfg.LocalServices.Services {
			svc := cfg.Services[svcName]
			implied[[2]uuid.UUID{localID, serviceIDs[svcName]}] = &svc
		}
	}

	existing, err := r.store.ServiceChecks(ctx)
	if err != nil {
		return fmt.Errorf("loading existing service checks: %w", err)
	}
	existingByTuple := map[[2]uuid.UUID]database.ServiceCheck{}
	for _, check := range existing {
		existingByTuple[[2]uuid.UUID{check.HostID, check.ServiceID}] = check
	}

	for tuple, svc := range implied {
		sched, err := config.ParseCron(svc.CronSchedule)
		if err != nil {
			return fmt.Errorf("service cron %q: %w", svc.CronSchedule, err)
		}
		intervalSecs := int64(config.CronInterval(sched, now) / time.Second)

		if prior, ok := existingByTuple[tuple]; ok {
			if prior.Status == status.Disabled || prior.IntervalSecs != intervalSecs {
				// re-enable an anchored check or refresh its schedule
				// hint; Pending here is only a fallback, the store keeps
				// the latest history status for checks that have one
				plan.AddChecks = append(plan.AddChecks, database.ServiceCheck{
					ID:           prior.ID,
					HostID:       tuple[0],
					ServiceID:    tuple[1],
					Status:       status.Pending,
					NextCheck:    now,
					LastUpdated:  now,
					IntervalSecs: intervalSecs,
				})
			}
			continue
		}
		plan.AddChecks = append(plan.AddChecks, database.ServiceCheck{
			ID:           uuid.New(),
			HostID:       tuple[0],
			ServiceID:    tuple[1],
			Status:       status.Pending,
			NextCheck:    now,
			LastUpdated:  now,
			IntervalSecs: intervalSecs,
		})
	}

	for tuple, check := range existingByTuple {
		if _, ok := implied[tuple]; ok {
			continue
		}
		if check.Status == status.Disabled {
			// already parked as a history anchor
			continue
		}
		plan.RemoveCheckIDs = append(plan.RemoveCheckIDs, check.ID)
	}

	if err := r.markOrphans(ctx, cfg, plan); err != nil {
		return err
	}

	sortPlan(plan)
	if plan.Empty() {
		logrus.Debug("Reconciliation produced no changes")
		return nil
	}

	if err := r.store.ApplyPlan(ctx, plan); err != nil {
		return fmt.Errorf("applying reconciliation plan: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"hosts":          len(plan.Hosts),
		"services":       len(plan.Services),
		"groups":         len(plan.Groups),
		"checks_added":   len(plan.AddChecks),
		"checks_removed": len(plan.RemoveCheckIDs),
	}).Info("Reconciled configuration")
	return nil
}

// canonicalGroups reuses stored group UUIDs by name, minting fresh ones for
// new groups.
func (r *Reconciler) canonicalGroups(ctx context.Context, cfg *config.Config, plan *database.Plan) (map[string]uuid.UUID, error) {
	ids := map[string]uuid.UUID{}
	for _, name := range cfg.Groups() {
		existing, err := r.store.GroupByName(ctx, name)
		switch {
		case err == nil:
			ids[name] = existing.ID
		case errors.Is(err, database.ErrNotFound):
			ids[name] = uuid.New()
			plan.Groups = append(plan.Groups, database.HostGroup{ID: ids[name], Name: name})
		default:
			return nil, fmt.Errorf("looking up group %s: %w", name, err)
		}
	}
	return ids, nil
}

func (r *Reconciler) canonicalHosts(ctx context.Context, cfg *config.Config, plan *database.Plan, groupIDs map[string]uuid.UUID) (map[string]uuid.UUID, error) {
	ids := map[string]uuid.UUID{}
	for name, host := range cfg.Hosts {
		id := uuid.New()
		existing, err := r.store.HostByName(ctx, name)
		switch {
		case err == nil:
			id = existing.ID
		case errors.Is(err, database.ErrNotFound):
		default:
			return nil, fmt.Errorf("looking up host %s: %w", name, err)
		}
		ids[name] = id

		plan.Hosts = append(plan.Hosts, database.Host{
			ID:       id,
			Name:     name,
			Hostname: host.Hostname,
			Check:    string(host.Check),
			Config:   host.Config,
		})
		var groups []uuid.UUID
		for _, group := range host.HostGroups {
			groups = append(groups, groupIDs[group])
		}
		plan.HostGroupLinks[id] = groups
	}
	return ids, nil
}

func (r *Reconciler) canonicalServices(ctx context.Context, cfg *config.Config, plan *database.Plan, groupIDs map[string]uuid.UUID) (map[string]uuid.UUID, error) {
	ids := map[string]uuid.UUID{}
	for name, svc := range cfg.Services {
		id := uuid.New()
		existing, err := r.store.ServiceByName(ctx, name)
		switch {
		case err == nil:
			id = existing.ID
		case errors.Is(err, database.ErrNotFound):
		default:
			return nil, fmt.Errorf("looking up service %s: %w", name, err)
		}
		ids[name] = id

		plan.Services = append(plan.Services, database.Service{
			ID:           id,
			Name:         name,
			Description:  svc.Description,
			ServiceType:  svc.ServiceType,
			CronSchedule: svc.CronSchedule,
			ExtraConfig:  svc.ExtraConfig,
		})
		var groups []uuid.UUID
		for _, group := range svc.HostGroups {
			groups = append(groups, groupIDs[group])
		}
		plan.ServiceGroupLinks[id] = groups
	}
	return ids, nil
}

// markOrphans queues hosts, services and groups that left the config for
// deletion. The store defers any delete blocked by remaining references.
func (r *Reconciler) markOrphans(ctx context.Context, cfg *config.Config, plan *database.Plan) error {
	hosts, err := r.store.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("loading hosts: %w", err)
	}
	for _, host := range hosts {
		if _, ok := cfg.Hosts[host.Name]; !ok {
			plan.DeleteHostIDs = append(plan.DeleteHostIDs, host.ID)
		}
	}

	services, err := r.store.Services(ctx)
	if err != nil {
		return fmt.Errorf("loading services: %w", err)
	}
	for _, svc := range services {
		if _, ok := cfg.Services[svc.Name]; !ok {
			plan.DeleteServiceIDs = append(plan.DeleteServiceIDs, svc.ID)
		}
	}

	groups, err := r.store.Groups(ctx)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	wanted := map[string]bool{}
	for _, name := range cfg.Groups() {
		wanted[name] = true
	}
	for _, group := range groups {
		if !wanted[group.Name] {
			plan.DeleteGroupIDs = append(plan.DeleteGroupIDs, group.ID)
		}
	}
	return nil
}

// sortPlan makes plan application deterministic, which keeps transaction
// lock ordering stable and the logs readable.
func sortPlan(plan *database.Plan) {
	sort.Slice(plan.Hosts, func(i, j int) bool { return plan.Hosts[i].Name < plan.Hosts[j].Name })
	sort.Slice(plan.Services, func(i, j int) bool { return plan.Services[i].Name < plan.Services[j].Name })
	sort.Slice(plan.Groups, func(i, j int) bool { return plan.Groups[i].Name < plan.Groups[j].Name })
	sort.Slice(plan.AddChecks, func(i, j int) bool {
		return plan.AddChecks[i].ID.String() < plan.AddChecks[j].ID.String()
	})
	sort.Slice(plan.RemoveCheckIDs, func(i, j int) bool {
		return plan.RemoveCheckIDs[i].String() < plan.RemoveCheckIDs[j].String()
	})
}
