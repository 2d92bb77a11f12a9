package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"maremma/internal/status"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Host is a monitored target.
type Host struct {
	ID       uuid.UUID
	Name     string
	Hostname string
	// How host reachability is judged: none, ping, ssh or kubernetes
	Check string
	// Per-service config overrides, keyed by service name
	Config map[string]map[string]any
}

func (h *Host) configJSON() string {
	if len(h.Config) == 0 {
		return "{}"
	}
	out, err := json.Marshal(h.Config)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// HostGroup is a named bag of hosts, the fan-out primitive for services.
type HostGroup struct {
	ID   uuid.UUID
	Name string
}

// Service is a probe declaration: what to run, how often, with what config.
type Service struct {
	ID           uuid.UUID
	Name         string
	Description  string
	ServiceType  string
	CronSchedule string
	ExtraConfig  map[string]any
}

func (s *Service) extraConfigJSON() string {
	if len(s.ExtraConfig) == 0 {
		return "{}"
	}
	out, err := json.Marshal(s.ExtraConfig)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// ServiceCheck is the scheduled unit of work: one service on one host.
type ServiceCheck struct {
	ID          uuid.UUID
	HostID      uuid.UUID
	ServiceID   uuid.UUID
	Status      status.Status
	LastCheck   time.Time
	NextCheck   time.Time
	LastUpdated time.Time
	// Denormalised cron period, used for the overdue counter and the
	// probe deadline
	IntervalSecs int64
}

// ServiceCheckDetail is a ServiceCheck joined with the names the UI shows.
type ServiceCheckDetail struct {
	ServiceCheck
	HostName    string
	ServiceName string
	ServiceType string
}

// HistoryEntry is one past result of a service check.
type HistoryEntry struct {
	ID             int64
	ServiceCheckID uuid.UUID
	Timestamp      time.Time
	Status         status.Status
	TimeElapsedMs  int64
	ResultText     string
}

// User is a web UI account, provisioned by the OIDC login flow.
type User struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Session is a logged-in browser session.
type Session struct {
	ID     string
	UserID uuid.UUID
	Expiry time.Time
	Data   string
}
