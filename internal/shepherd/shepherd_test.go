package shepherd

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maremma/internal/database"
	"maremma/internal/status"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(":memory:", 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCleanSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &database.User{Username: "admin"}
	require.NoError(t, store.UpsertUser(ctx, user))
	require.NoError(t, store.CreateSession(ctx, &database.Session{
		ID: "stale", UserID: user.ID, Expiry: time.Now().UTC().Add(-24 * time.Hour), Data: "{}",
	}))
	require.NoError(t, store.CreateSession(ctx, &database.Session{
		ID: "fresh", UserID: user.ID, Expiry: time.Now().UTC().Add(time.Hour), Data: "{}",
	}))

	New(store).cleanSessions(ctx)

	_, err := store.SessionByID(ctx, "fresh")
	assert.NoError(t, err)
	// the stale session is gone entirely, not just expired
	deleted, err := store.CleanExpiredSessions(ctx, sessionExpiryGrace)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweepHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	host := database.Host{ID: uuid.New(), Name: "h", Hostname: "h", Check: "none"}
	svc := database.Service{ID: uuid.New(), Name: "s", ServiceType: "cli", CronSchedule: "@hourly"}
	group := database.HostGroup{ID: uuid.New(), Name: "g"}
	check := database.ServiceCheck{
		ID: uuid.New(), HostID: host.ID, ServiceID: svc.ID,
		Status: status.Pending, NextCheck: time.Now().UTC(), IntervalSecs: 3600,
	}
	require.NoError(t, store.ApplyPlan(ctx, &database.Plan{
		Hosts:             []database.Host{host},
		Services:          []database.Service{svc},
		Groups:            []database.HostGroup{group},
		HostGroupLinks:    map[uuid.UUID][]uuid.UUID{host.ID: {group.ID}},
		ServiceGroupLinks: map[uuid.UUID][]uuid.UUID{svc.ID: {group.ID}},
		AddChecks:         []database.ServiceCheck{check},
	}))

	// RecordResult trims to the bound on each write, so the history sits
	// exactly at the bound; the sweep must leave it within the bound
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.RecordResult(ctx, check.ID,
			status.NewResult(status.Ok, time.Millisecond, "ok"), at, at.Add(time.Hour)))
	}
	count, err := store.HistoryCount(ctx, check.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	New(store).sweepHistory(ctx)

	count, err = store.HistoryCount(ctx, check.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, int64(3), "sweep never grows history")
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(store).Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shepherd did not stop")
	}
}
