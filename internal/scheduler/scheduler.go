// Package scheduler runs the check-dispatch loop: dequeue due service
// checks, fan them out to executors under a global concurrency budget, and
// write the results back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maremma/internal/checks"
	"maremma/internal/config"
	"maremma/internal/database"
	"maremma/internal/status"
)

const (
	// default probe deadline before the cron interval caps it
	defaultCheckTimeout = 60 * time.Second
	// how long the loop sleeps at most, so expedites and reloads bite
	// promptly
	maxIdleSleep = time.Second
	// consecutive Error results before back-off kicks in
	errorBackoffThreshold = 3
	// storage write retry ceiling
	maxStorageRetryDelay = 5 * time.Minute
	// how long in-flight probes get to finish on shutdown
	drainGrace = 30 * time.Second
)

// ResultHook observes every recorded result, for metrics and the live feed.
type ResultHook func(check database.ServiceCheck, host *database.Host, svc *database.Service, result status.CheckResult)

// Scheduler owns the dispatch loop. It advances next_check after every
// probe run; reconciliation and Expedite also set it.
type Scheduler struct {
	store         *database.Store
	registry      checks.Registry
	maxConcurrent int
	backoffCap    int

	wake        chan struct{}
	completions chan uuid.UUID
	inFlight    map[uuid.UUID]struct{}

	cache *inventoryCache

	hooks   []ResultHook
	hooksMu sync.RWMutex

	// lets tests pin time
	now func() time.Time
}

// New builds a scheduler over the store and executor registry.
func New(store *database.Store, registry checks.Registry, maxConcurrent, backoffCap int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if backoffCap <= 0 {
		backoffCap = 16
	}
	return &Scheduler{
		store:         store,
		registry:      registry,
		maxConcurrent: maxConcurrent,
		backoffCap:    backoffCap,
		wake:          make(chan struct{}, 1),
		completions:   make(chan uuid.UUID),
		inFlight:      map[uuid.UUID]struct{}{},
		cache:         newInventoryCache(store),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// OnResult registers a hook called after each result is recorded.
func (s *Scheduler) OnResult(hook ResultHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Wake nudges the loop out of its sleep.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Expedite marks a check due now and wakes the loop.
func (s *Scheduler) Expedite(ctx context.Context, checkID uuid.UUID) error {
	if err := s.store.Expedite(ctx, checkID); err != nil {
		return err
	}
	logrus.WithField("service_check", checkID.String()).Info("Service check expedited")
	s.Wake()
	return nil
}

// InvalidateCache drops the host/service read-through cache. Call after a
// reconciliation.
func (s *Scheduler) InvalidateCache() {
	s.cache.invalidate()
	s.Wake()
}

// Run executes the scheduling loop until ctx is cancelled, then drains
// in-flight probes for up to the grace period.
func (s *Scheduler) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"max_concurrent": s.maxConcurrent,
		"backoff_cap":    s.backoffCap,
	}).Info("Starting scheduler")

	// probes get their own cancellation root so shutdown can grant them a
	// grace period after the loop's context dies
	probeCtx, cancelProbes := context.WithCancel(context.Background())
	defer cancelProbes()

	for {
		select {
		case <-ctx.Done():
			return s.drain(cancelProbes)
		case id := <-s.completions:
			delete(s.inFlight, id)
			continue
		default:
		}

		dispatched := s.dispatch(ctx, probeCtx)
		if dispatched > 0 {
			continue
		}

		sleep := s.idleSleep(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.drain(cancelProbes)
		case <-s.wake:
			timer.Stop()
		case id := <-s.completions:
			timer.Stop()
			delete(s.inFlight, id)
		case <-timer.C:
		}
	}
}

// dispatch starts workers for due checks within the concurrency budget and
// returns how many it launched.
func (s *Scheduler) dispatch(ctx, probeCtx context.Context) int {
	capacity := s.maxConcurrent - len(s.inFlight)
	if capacity <= 0 {
		return 0
	}

	due, err := s.store.NextDue(ctx, s.now(), capacity+len(s.inFlight))
	if err != nil {
		logrus.WithError(err).Error("Failed to query due checks")
		return 0
	}

	launched := 0
	for _, check := range due {
		if launched >= capacity {
			break
		}
		if _, running := s.inFlight[check.ID]; running {
			continue
		}
		s.inFlight[check.ID] = struct{}{}
		launched++
		go s.runCheck(probeCtx, check)
	}
	return launched
}

// idleSleep computes how long to sleep when no work is due.
func (s *Scheduler) idleSleep(ctx context.Context) time.Duration {
	earliest, err := s.store.EarliestNextCheck(ctx)
	if err != nil {
		return maxIdleSleep
	}
	until := earliest.Sub(s.now())
	if until <= 0 {
		// due work exists but every slot is taken, wait for a completion
		return maxIdleSleep
	}
	if until > maxIdleSleep {
		return maxIdleSleep
	}
	return until
}

// runCheck executes one probe and records its outcome. Runs on a worker
// goroutine; its only communication with the loop is the completions channel.
func (s *Scheduler) runCheck(ctx context.Context, check database.ServiceCheck) {
	defer func() { s.completions <- check.ID }()

	result, host, svc := s.execute(ctx, check)

	completed := s.now()
	nextCheck, err := s.nextCheckTime(ctx, check, svc, result.Status, completed)
	if err != nil {
		logrus.WithError(err).WithField("service_check", check.ID.String()).
			Error("Failed to compute next check time")
		nextCheck = completed.Add(time.Minute)
	}

	s.recordWithRetry(ctx, check.ID, result, completed, nextCheck)

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(check, host, svc, result)
	}

	entry := logrus.WithFields(logrus.Fields{
		"service_check": check.ID.String(),
		"status":        string(result.Status),
		"elapsed_ms":    result.Elapsed.Milliseconds(),
		"next_check":    nextCheck.Format(time.RFC3339),
	})
	switch result.Status {
	case status.Critical, status.Error:
		entry.Warn("Check completed")
	default:
		entry.Debug("Check completed")
	}
}

// execute resolves the check's host, service and merged config, applies the
// host-down short-circuit, and runs the executor under its deadline.
func (s *Scheduler) execute(ctx context.Context, check database.ServiceCheck) (status.CheckResult, *database.Host, *database.Service) {
	host, svc, err := s.cache.resolve(ctx, check.HostID, check.ServiceID)
	if err != nil {
		return status.NewResult(status.Error, 0,
			fmt.Sprintf("resolving inventory: %s", err)), nil, nil
	}

	serviceType, err := checks.ParseServiceType(svc.ServiceType)
	if err != nil {
		return status.NewResult(status.Error, 0, err.Error()), host, svc
	}

	// a host whose own reachability check last failed drags its services
	// to Unknown without probing them
	if host.Check != string(config.HostCheckNone) && svc.ServiceType != host.Check {
		reachability, err := s.store.HostReachabilityStatus(ctx, host.ID, host.Check)
		if err == nil && (reachability == status.Critical || reachability == status.Error) {
			return status.NewResult(status.Unknown, 0,
				fmt.Sprintf("host %s is down (%s check is %s)", host.Name, host.Check, reachability)), host, svc
		}
	}

	merged := checks.Merge(svc.ExtraConfig, host.Config[svc.Name])
	deadline := s.checkDeadline(check, merged)

	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	target := checks.Target{HostName: host.Name, Hostname: host.Hostname}
	return s.registry.Run(probeCtx, serviceType, target, merged), host, svc
}

// checkDeadline is min(configured timeout, cron interval).
func (s *Scheduler) checkDeadline(check database.ServiceCheck, merged checks.MergedConfig) time.Duration {
	deadline := time.Duration(merged.Int("timeout", int(defaultCheckTimeout/time.Second))) * time.Second
	if interval := time.Duration(check.IntervalSecs) * time.Second; interval > 0 && interval < deadline {
		deadline = interval
	}
	if deadline <= 0 {
		deadline = defaultCheckTimeout
	}
	return deadline
}

// nextCheckTime advances next_check to the next cron firing at or after the
// completion time, stretched by the error back-off when the check keeps
// erroring.
func (s *Scheduler) nextCheckTime(ctx context.Context, check database.ServiceCheck, svc *database.Service, resultStatus status.Status, completed time.Time) (time.Time, error) {
	cronExpr := "@minutely"
	if svc != nil {
		cronExpr = svc.CronSchedule
	}
	sched, err := config.ParseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	base := completed
	if check.LastCheck.After(base) {
		base = check.LastCheck
	}
	next := sched.Next(base)

	if resultStatus == status.Error {
		prior, err := s.store.ConsecutiveErrors(ctx, check.ID, s.backoffCap*2)
		if err != nil {
			logrus.WithError(err).Warn("Failed to count consecutive errors")
			return next, nil
		}
		factor := errorBackoffFactor(prior+1, s.backoffCap)
		if factor > 1 {
			delta := next.Sub(completed)
			next = completed.Add(delta * time.Duration(factor))
			logrus.WithFields(logrus.Fields{
				"service_check": check.ID.String(),
				"errors":        prior + 1,
				"factor":        factor,
			}).Debug("Applying error back-off")
		}
	}
	return next, nil
}

// errorBackoffFactor doubles the schedule delta for each consecutive error
// past the threshold, up to the configured ceiling.
func errorBackoffFactor(consecutive, ceiling int) int {
	if consecutive < errorBackoffThreshold {
		return 1
	}
	factor := 1 << (consecutive - errorBackoffThreshold + 1)
	if factor > ceiling {
		return ceiling
	}
	return factor
}

// recordWithRetry writes the result, backing off exponentially on storage
// errors up to the ceiling. Gives up when ctx dies or the check no longer
// exists.
func (s *Scheduler) recordWithRetry(ctx context.Context, checkID uuid.UUID, result status.CheckResult, completed, nextCheck time.Time) {
	delay := time.Second
	for {
		err := s.store.RecordResult(ctx, checkID, result, completed, nextCheck)
		if err == nil {
			return
		}
		if errors.Is(err, database.ErrNotFound) {
			// deleted out from under us, nothing to record against
			logrus.WithField("service_check", checkID.String()).
				Debug("Check vanished before its result landed")
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"service_check": checkID.String(),
			"retry_in":      delay.String(),
		}).Error("Failed to record check result")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxStorageRetryDelay {
			delay = maxStorageRetryDelay
		}
	}
}

// drain stops dequeuing, gives in-flight probes the grace period, then
// cancels them and waits for the stragglers.
func (s *Scheduler) drain(cancelProbes context.CancelFunc) error {
	if len(s.inFlight) == 0 {
		logrus.Info("Scheduler stopped")
		return nil
	}
	logrus.WithField("in_flight", len(s.inFlight)).Info("Draining in-flight checks")

	grace := time.NewTimer(drainGrace)
	defer grace.Stop()

	for len(s.inFlight) > 0 {
		select {
		case id := <-s.completions:
			delete(s.inFlight, id)
		case <-grace.C:
			logrus.WithField("in_flight", len(s.inFlight)).
				Warn("Drain grace expired, cancelling remaining probes")
			cancelProbes()
		}
	}
	logrus.Info("Scheduler stopped")
	return nil
}
