// Package config parses and validates the Maremma configuration document.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"

	"maremma/internal/checks"
)

// LocalServiceHostName is the synthetic host local_services run against.
const LocalServiceHostName = "Maremma Local Checks"

// DefaultConfigFile is where we look when --config isn't given.
const DefaultConfigFile = "maremma.json"

const (
	defaultDatabaseFile        = "maremma.sqlite"
	defaultListenAddress       = "127.0.0.1"
	defaultListenPort          = 8888
	defaultMaxConcurrentChecks = 10
	defaultMaxHistoryEntries   = 25000
	defaultErrorBackoffCap     = 16
)

// HostCheck decides how host reachability is judged before its services run.
type HostCheck string

const (
	HostCheckNone       HostCheck = "none"
	HostCheckPing       HostCheck = "ping"
	HostCheckSsh        HostCheck = "ssh"
	HostCheckKubernetes HostCheck = "kubernetes"
)

// Host is one monitored target from the config file. The map key in the
// config document is its name.
type Host struct {
	// Network hostname, may be empty for synthetic hosts
	Hostname string `json:"hostname,omitempty"`
	// How to decide the host itself is up, defaults to ping
	Check HostCheck `json:"check,omitempty"`
	// Groups this host belongs to
	HostGroups []string `json:"host_groups,omitempty"`
	// Per-service config overrides, keyed by service name
	Config map[string]map[string]any `json:"config,omitempty"`
}

// Service declares what to probe, on what schedule, with what parameters.
// Fields not listed here land in ExtraConfig and flow to the executor.
type Service struct {
	Description  string   `json:"description,omitempty"`
	ServiceType  string   `json:"service_type"`
	HostGroups   []string `json:"host_groups,omitempty"`
	CronSchedule string   `json:"cron_schedule"`
	// Catch-all for the executor-specific fields
	ExtraConfig map[string]any `json:"-"`
}

var serviceKnownKeys = map[string]bool{
	"description":   true,
	"service_type":  true,
	"host_groups":   true,
	"cron_schedule": true,
}

// UnmarshalJSON splits the declared fields from the executor-specific
// extras, which are kept verbatim in ExtraConfig.
func (s *Service) UnmarshalJSON(data []byte) error {
	type plain Service
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range serviceKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		s.ExtraConfig = raw
	}
	return nil
}

// MarshalJSON flattens ExtraConfig back into the object so that
// parse(serialise(config)) round-trips.
func (s Service) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"service_type":  s.ServiceType,
		"cron_schedule": s.CronSchedule,
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.HostGroups) > 0 {
		out["host_groups"] = s.HostGroups
	}
	for k, v := range s.ExtraConfig {
		out[k] = v
	}
	return json.Marshal(out)
}

// LocalServices names services that run on the daemon host itself.
type LocalServices struct {
	Services []string `json:"services,omitempty"`
}

// Config is the parsed configuration document.
type Config struct {
	DatabaseFile  string `json:"database_file,omitempty"`
	StaticPath    string `json:"static_path,omitempty"`
	ListenAddress string `json:"listen_address,omitempty"`
	ListenPort    int    `json:"listen_port,omitempty"`

	Hosts         map[string]Host    `json:"hosts"`
	Services      map[string]Service `json:"services"`
	LocalServices LocalServices      `json:"local_services,omitempty"`

	FrontendURL      string `json:"frontend_url"`
	OIDCIssuer       string `json:"oidc_issuer"`
	OIDCClientID     string `json:"oidc_client_id"`
	OIDCClientSecret string `json:"oidc_client_secret,omitempty"`

	CertFile string `json:"cert_file"`
	CertKey  string `json:"cert_key"`

	MaxConcurrentChecks       int   `json:"max_concurrent_checks,omitempty"`
	MaxHistoryEntriesPerCheck int64 `json:"max_history_entries_per_check,omitempty"`
	// Cap on the error back-off multiplier applied to repeatedly
	// erroring checks
	MaxErrorBackoffMultiplier int `json:"max_error_backoff_multiplier,omitempty"`
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw JSON.
func Parse(data []byte) (*Config, error) {
	if err := checkDuplicateKeys(data); err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if len(cfg.LocalServices.Services) > 0 {
		if cfg.Hosts == nil {
			cfg.Hosts = map[string]Host{}
		}
		local := cfg.Hosts[LocalServiceHostName]
		local.Check = HostCheckNone
		cfg.Hosts[LocalServiceHostName] = local
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabaseFile == "" {
		c.DatabaseFile = defaultDatabaseFile
	}
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = defaultMaxConcurrentChecks
	}
	if c.MaxHistoryEntriesPerCheck <= 0 {
		c.MaxHistoryEntriesPerCheck = defaultMaxHistoryEntries
	}
	if c.MaxErrorBackoffMultiplier <= 0 {
		c.MaxErrorBackoffMultiplier = defaultErrorBackoffCap
	}
	if c.FrontendURL == "" {
		c.FrontendURL = os.Getenv("MAREMMA_FRONTEND_URL")
	}
	if c.OIDCIssuer == "" {
		c.OIDCIssuer = os.Getenv("MAREMMA_OIDC_ISSUER")
	}
	if c.OIDCClientID == "" {
		c.OIDCClientID = os.Getenv("MAREMMA_OIDC_CLIENT_ID")
	}

	for name, host := range c.Hosts {
		if host.Check == "" {
			host.Check = HostCheckPing
			c.Hosts[name] = host
		}
	}
}

// Validate checks cron expressions, service types and group cross-references.
func (c *Config) Validate() error {
	if c.FrontendURL == "" {
		return fmt.Errorf("frontend_url not set")
	}
	if c.OIDCIssuer == "" {
		return fmt.Errorf("oidc_issuer not set")
	}
	if c.OIDCClientID == "" {
		return fmt.Errorf("oidc_client_id not set")
	}

	for name, host := range c.Hosts {
		switch host.Check {
		case HostCheckNone, HostCheckPing, HostCheckSsh, HostCheckKubernetes:
		default:
			return fmt.Errorf("host %q: invalid check %q", name, host.Check)
		}
	}

	hostGroups := map[string]bool{}
	for _, host := range c.Hosts {
		for _, group := range host.HostGroups {
			hostGroups[group] = true
		}
	}

	serviceGroups := map[string]bool{}
	for name, svc := range c.Services {
		if _, err := checks.ParseServiceType(svc.ServiceType); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		if _, err := ParseCron(svc.CronSchedule); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		for _, group := range svc.HostGroups {
			serviceGroups[group] = true
			if !hostGroups[group] {
				return fmt.Errorf("service %q references group %q with no hosts", name, group)
			}
		}
	}

	for _, svcName := range c.LocalServices.Services {
		if _, ok := c.Services[svcName]; !ok {
			return fmt.Errorf("local_services references unknown service %q", svcName)
		}
	}

	for name, host := range c.Hosts {
		for _, group := range host.HostGroups {
			if !serviceGroups[group] {
				logrus.WithFields(logrus.Fields{
					"host":  name,
					"group": group,
				}).Warn("Host is in a group no service applies to")
			}
		}
	}

	return nil
}

// Groups returns every group named by a host or a service.
func (c *Config) Groups() []string {
	seen := map[string]bool{}
	var groups []string
	for _, host := range c.Hosts {
		for _, g := range host.HostGroups {
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}
	for _, svc := range c.Services {
		for _, g := range svc.HostGroups {
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}
	return groups
}

// ListenAddr returns the host:port pair the web server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}

// Schema returns the JSON schema for the configuration document.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&Config{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling config schema: %w", err)
	}
	return out, nil
}

// checkDuplicateKeys walks the raw document and rejects duplicate host or
// service keys, which encoding/json would otherwise silently collapse.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("config root must be an object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		key, _ := keyTok.(string)
		if key == "hosts" || key == "services" {
			if err := checkObjectKeys(dec, key); err != nil {
				return err
			}
			continue
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	return nil
}

func checkObjectKeys(dec *json.Decoder, section string) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if tok != json.Delim('{') {
		// not an object, the typed decode will complain about it
		return nil
	}
	seen := map[string]bool{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		key, _ := keyTok.(string)
		if seen[key] {
			return fmt.Errorf("duplicate %s key %q", strings.TrimSuffix(section, "s"), key)
		}
		seen[key] = true
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	// consume the closing brace
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}
