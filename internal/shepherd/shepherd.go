// Package shepherd wanders around in the background keeping the database in
// order: expired sessions go, oversized history gets re-trimmed.
package shepherd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"maremma/internal/database"
)

const (
	// cadence of the janitor pass
	tickInterval = time.Minute
	// expiry + this window is when sessions actually get removed
	sessionExpiryGrace = 8 * time.Hour
	// only the worst offenders get trimmed per pass, to keep write
	// contention down
	historyOffendersPerPass = 10
)

// Shepherd owns the periodic cleanup tasks that aren't on the result path.
type Shepherd struct {
	store *database.Store
}

// New builds a Shepherd over the store.
func New(store *database.Store) *Shepherd {
	return &Shepherd{store: store}
}

// Run loops the janitor tasks until ctx is cancelled.
func (s *Shepherd) Run(ctx context.Context) error {
	logrus.Info("The shepherd is watching the herd")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("The shepherd is going home")
			return nil
		case <-ticker.C:
			s.cleanSessions(ctx)
			s.sweepHistory(ctx)
		}
	}
}

func (s *Shepherd) cleanSessions(ctx context.Context) {
	deleted, err := s.store.CleanExpiredSessions(ctx, sessionExpiryGrace)
	if err != nil {
		logrus.WithError(err).Error("Session cleaner failed")
		return
	}
	if deleted > 0 {
		logrus.WithField("sessions", deleted).Info("Cleared expired sessions")
	}
}

// sweepHistory re-trims checks whose history outgrew the bound, which can
// happen if a crash interrupted a record-and-trim transaction or the bound
// was lowered in config.
func (s *Shepherd) sweepHistory(ctx context.Context) {
	offenders, err := s.store.HistoryOffenders(ctx, historyOffendersPerPass)
	if err != nil {
		logrus.WithError(err).Error("History sweep failed")
		return
	}
	for _, id := range offenders {
		deleted, err := s.store.TrimHistory(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("service_check", id.String()).
				Error("History trim failed")
			continue
		}
		if deleted > 0 {
			logrus.WithFields(logrus.Fields{
				"service_check": id.String(),
				"rows":          deleted,
			}).Info("Trimmed oversized history")
		}
	}
}
