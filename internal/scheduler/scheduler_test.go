package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maremma/internal/checks"
	"maremma/internal/database"
	"maremma/internal/status"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(":memory:", 100)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// stubExecutor is a controllable probe for scheduler tests.
type stubExecutor struct {
	result status.Status
	delay  time.Duration

	running int32
	maxSeen int32
	calls   int32
}

func (s *stubExecutor) Execute(ctx context.Context, target checks.Target, cfg checks.MergedConfig) (status.CheckResult, error) {
	atomic.AddInt32(&s.calls, 1)
	current := atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, current) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return status.NewResult(s.result, time.Millisecond, "stub"), nil
}

// seed inserts host+service+group+check with the given type and schedule,
// returning the check.
func seed(t *testing.T, store *database.Store, hostName, svcName, svcType, cronExpr string, due time.Time) database.ServiceCheck {
	t.Helper()
	ctx := context.Background()

	host := database.Host{ID: uuid.New(), Name: hostName, Hostname: hostName, Check: "none"}
	svc := database.Service{ID: uuid.New(), Name: svcName, ServiceType: svcType, CronSchedule: cronExpr}
	group := database.HostGroup{ID: uuid.New(), Name: "grp-" + hostName + "-" + svcName}
	check := database.ServiceCheck{
		ID: uuid.New(), HostID: host.ID, ServiceID: svc.ID,
		Status: status.Pending, NextCheck: due, LastUpdated: time.Now().UTC(), IntervalSecs: 60,
	}
	require.NoError(t, store.ApplyPlan(ctx, &database.Plan{
		Hosts:             []database.Host{host},
		Services:          []database.Service{svc},
		Groups:            []database.HostGroup{group},
		HostGroupLinks:    map[uuid.UUID][]uuid.UUID{host.ID: {group.ID}},
		ServiceGroupLinks: map[uuid.UUID][]uuid.UUID{svc.ID: {group.ID}},
		AddChecks:         []database.ServiceCheck{check},
	}))
	return check
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func runScheduler(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestErrorBackoffFactor(t *testing.T) {
	assert.Equal(t, 1, errorBackoffFactor(0, 16))
	assert.Equal(t, 1, errorBackoffFactor(2, 16))
	assert.Equal(t, 2, errorBackoffFactor(3, 16))
	assert.Equal(t, 4, errorBackoffFactor(4, 16))
	assert.Equal(t, 8, errorBackoffFactor(5, 16))
	assert.Equal(t, 16, errorBackoffFactor(6, 16))
	assert.Equal(t, 16, errorBackoffFactor(12, 16), "ceiling holds")
	assert.Equal(t, 4, errorBackoffFactor(10, 4), "configurable ceiling")
}

func TestSchedulerRecordsResult(t *testing.T) {
	store := newTestStore(t)
	check := seed(t, store, "h1", "s1", "cli", "* * * * *", time.Now().UTC().Add(-time.Second))

	stub := &stubExecutor{result: status.Ok}
	sched := New(store, checks.Registry{checks.TypeCli: stub}, 2, 16)
	stop := runScheduler(t, sched)
	defer stop()

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		count, err := store.HistoryCount(ctx, check.ID)
		return err == nil && count >= 1
	}, "history row for the due check")

	got, err := store.ServiceCheckByID(ctx, check.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Ok, got.Status)
	assert.True(t, got.NextCheck.After(got.LastCheck))
	assert.LessOrEqual(t, got.NextCheck.Sub(got.LastCheck), 2*time.Minute,
		"next check lands within the following cron period")
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	due := time.Now().UTC().Add(-time.Second)
	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		check := seed(t, store, fmt.Sprintf("h%d", i), fmt.Sprintf("s%d", i), "cli", "@hourly", due)
		ids = append(ids, check.ID)
	}

	stub := &stubExecutor{result: status.Ok, delay: 100 * time.Millisecond}
	sched := New(store, checks.Registry{checks.TypeCli: stub}, 2, 16)
	stop := runScheduler(t, sched)
	defer stop()

	ctx := context.Background()
	waitFor(t, 10*time.Second, func() bool {
		for _, id := range ids {
			count, err := store.HistoryCount(ctx, id)
			if err != nil || count == 0 {
				return false
			}
		}
		return true
	}, "all ten checks complete")

	assert.LessOrEqual(t, atomic.LoadInt32(&stub.maxSeen), int32(2),
		"in-flight probes never exceed the budget")
	assert.Equal(t, int32(10), atomic.LoadInt32(&stub.calls))
}

func TestSchedulerAtMostOneInFlightPerCheck(t *testing.T) {
	store := newTestStore(t)
	// due every second; while the 150ms probe runs, next_check stays in the
	// past, so only the in-flight set keeps a second copy from starting
	check := seed(t, store, "h1", "s1", "cli", "* * * * * *", time.Now().UTC().Add(-time.Second))

	var mu sync.Mutex
	overlapped := false
	running := map[string]bool{}

	slow := executorFunc(func(ctx context.Context, target checks.Target, cfg checks.MergedConfig) (status.CheckResult, error) {
		mu.Lock()
		if running[target.HostName] {
			overlapped = true
		}
		running[target.HostName] = true
		mu.Unlock()

		time.Sleep(150 * time.Millisecond)

		mu.Lock()
		running[target.HostName] = false
		mu.Unlock()
		return status.NewResult(status.Ok, time.Millisecond, "slow"), nil
	})

	sched := New(store, checks.Registry{checks.TypeCli: slow}, 8, 16)
	stop := runScheduler(t, sched)

	ctx := context.Background()
	waitFor(t, 10*time.Second, func() bool {
		count, err := store.HistoryCount(ctx, check.ID)
		return err == nil && count >= 3
	}, "the check runs repeatedly")
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlapped, "a check must never run against itself")
}

type executorFunc func(ctx context.Context, target checks.Target, cfg checks.MergedConfig) (status.CheckResult, error)

func (f executorFunc) Execute(ctx context.Context, target checks.Target, cfg checks.MergedConfig) (status.CheckResult, error) {
	return f(ctx, target, cfg)
}

func TestSchedulerExpedite(t *testing.T) {
	store := newTestStore(t)
	check := seed(t, store, "h1", "s1", "cli", "@hourly", time.Now().UTC().Add(55*time.Minute))

	stub := &stubExecutor{result: status.Ok}
	sched := New(store, checks.Registry{checks.TypeCli: stub}, 2, 16)
	stop := runScheduler(t, sched)
	defer stop()

	ctx := context.Background()

	// nothing should run while the check is nearly an hour out
	time.Sleep(200 * time.Millisecond)
	count, err := store.HistoryCount(ctx, check.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, sched.Expedite(ctx, check.ID))
	waitFor(t, 2*time.Second, func() bool {
		count, err := store.HistoryCount(ctx, check.ID)
		return err == nil && count == 1
	}, "expedited check runs promptly")
}

func TestSchedulerHostDownShortCircuit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// one host with a ping reachability check and a cli service
	host := database.Host{ID: uuid.New(), Name: "h1", Hostname: "h1", Check: "ping"}
	pingSvc := database.Service{ID: uuid.New(), Name: "ping_h1", ServiceType: "ping", CronSchedule: "@hourly"}
	cliSvc := database.Service{ID: uuid.New(), Name: "uptime", ServiceType: "cli", CronSchedule: "@hourly"}
	group := database.HostGroup{ID: uuid.New(), Name: "g"}

	pingCheck := database.ServiceCheck{
		ID: uuid.New(), HostID: host.ID, ServiceID: pingSvc.ID,
		Status: status.Pending, NextCheck: time.Now().UTC().Add(time.Hour), IntervalSecs: 3600,
	}
	cliCheck := database.ServiceCheck{
		ID: uuid.New(), HostID: host.ID, ServiceID: cliSvc.ID,
		Status: status.Pending, NextCheck: time.Now().UTC().Add(-time.Second), IntervalSecs: 3600,
	}
	require.NoError(t, store.ApplyPlan(ctx, &database.Plan{
		Hosts:             []database.Host{host},
		Services:          []database.Service{pingSvc, cliSvc},
		Groups:            []database.HostGroup{group},
		HostGroupLinks:    map[uuid.UUID][]uuid.UUID{host.ID: {group.ID}},
		ServiceGroupLinks: map[uuid.UUID][]uuid.UUID{pingSvc.ID: {group.ID}, cliSvc.ID: {group.ID}},
		AddChecks:         []database.ServiceCheck{pingCheck, cliCheck},
	}))

	// the host's reachability check last came back Critical
	now := time.Now().UTC()
	require.NoError(t, store.RecordResult(ctx, pingCheck.ID,
		status.NewResult(status.Critical, time.Second, "no route"), now, now.Add(time.Hour)))

	stub := &stubExecutor{result: status.Ok}
	sched := New(store, checks.Registry{checks.TypeCli: stub}, 2, 16)
	stop := runScheduler(t, sched)
	defer stop()

	waitFor(t, 5*time.Second, func() bool {
		count, err := store.HistoryCount(ctx, cliCheck.ID)
		return err == nil && count >= 1
	}, "gated check still records a result")

	got, err := store.ServiceCheckByID(ctx, cliCheck.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Unknown, got.Status, "service short-circuits to Unknown while the host is down")
	assert.Zero(t, atomic.LoadInt32(&stub.calls), "the probe itself never ran")
}

func TestSchedulerDrainsOnShutdown(t *testing.T) {
	store := newTestStore(t)
	check := seed(t, store, "h1", "s1", "cli", "@hourly", time.Now().UTC().Add(-time.Second))

	started := make(chan struct{})
	slow := executorFunc(func(ctx context.Context, target checks.Target, cfg checks.MergedConfig) (status.CheckResult, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return status.NewResult(status.Ok, time.Millisecond, "done"), nil
	})

	sched := New(store, checks.Registry{checks.TypeCli: slow}, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain")
	}

	count, err := store.HistoryCount(context.Background(), check.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "the in-flight probe finished and was recorded")
}
