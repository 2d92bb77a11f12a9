package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `{
	"hosts": {
		"foo.example.com": {
			"hostname": "foo.example.com",
			"host_groups": ["web"]
		}
	},
	"services": {
		"check_http": {
			"service_type": "http",
			"host_groups": ["web"],
			"cron_schedule": "@hourly",
			"url": "https://foo.example.com"
		}
	},
	"frontend_url": "https://maremma.example.com",
	"oidc_issuer": "https://idp.example.com",
	"oidc_client_id": "maremma",
	"cert_file": "/tmp/cert.pem",
	"cert_key": "/tmp/key.pem"
}`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "maremma.sqlite", cfg.DatabaseFile)
	assert.Equal(t, "127.0.0.1:8888", cfg.ListenAddr())
	assert.Equal(t, 10, cfg.MaxConcurrentChecks)
	assert.Equal(t, int64(25000), cfg.MaxHistoryEntriesPerCheck)
	assert.Equal(t, 16, cfg.MaxErrorBackoffMultiplier)

	host := cfg.Hosts["foo.example.com"]
	assert.Equal(t, HostCheckPing, host.Check, "check should default to ping")

	svc := cfg.Services["check_http"]
	assert.Equal(t, "http", svc.ServiceType)
	assert.Equal(t, "https://foo.example.com", svc.ExtraConfig["url"])
}

func TestParseRejectsUnknownServiceType(t *testing.T) {
	_, err := Parse([]byte(`{
		"hosts": {"a": {"hostname": "a", "host_groups": ["g"]}},
		"services": {"s": {"service_type": "teleport", "host_groups": ["g"], "cron_schedule": "@hourly"}},
		"frontend_url": "https://x", "oidc_issuer": "https://x", "oidc_client_id": "x",
		"cert_file": "c", "cert_key": "k"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service type")
}

func TestParseRejectsBadCron(t *testing.T) {
	_, err := Parse([]byte(`{
		"hosts": {"a": {"hostname": "a", "host_groups": ["g"]}},
		"services": {"s": {"service_type": "ping", "host_groups": ["g"], "cron_schedule": "whenever"}},
		"frontend_url": "https://x", "oidc_issuer": "https://x", "oidc_client_id": "x",
		"cert_file": "c", "cert_key": "k"
	}`))
	assert.Error(t, err)
}

func TestParseRejectsGroupWithoutHosts(t *testing.T) {
	_, err := Parse([]byte(`{
		"hosts": {"a": {"hostname": "a", "host_groups": ["g"]}},
		"services": {"s": {"service_type": "ping", "host_groups": ["nope"], "cron_schedule": "@hourly"}},
		"frontend_url": "https://x", "oidc_issuer": "https://x", "oidc_client_id": "x",
		"cert_file": "c", "cert_key": "k"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hosts")
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	_, err := Parse([]byte(`{
		"hosts": {
			"dupe": {"hostname": "a", "host_groups": ["g"]},
			"dupe": {"hostname": "b", "host_groups": ["g"]}
		},
		"services": {"s": {"service_type": "ping", "host_groups": ["g"], "cron_schedule": "@hourly"}},
		"frontend_url": "https://x", "oidc_issuer": "https://x", "oidc_client_id": "x",
		"cert_file": "c", "cert_key": "k"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLocalServicesInjectSyntheticHost(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"hosts": {"a": {"hostname": "a", "host_groups": ["g"]}},
		"services": {"local_df": {"service_type": "cli", "host_groups": ["g"], "cron_schedule": "@hourly", "command_line": "df -h"}},
		"local_services": {"services": ["local_df"]},
		"frontend_url": "https://x", "oidc_issuer": "https://x", "oidc_client_id": "x",
		"cert_file": "c", "cert_key": "k"
	}`))
	require.NoError(t, err)

	local, ok := cfg.Hosts[LocalServiceHostName]
	require.True(t, ok, "synthetic local host should exist")
	assert.Equal(t, HostCheckNone, local.Check)
	assert.Empty(t, local.Hostname)
}

func TestServiceRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Services, again.Services)
	assert.Equal(t, cfg.Hosts, again.Hosts)
}

func TestParseCron(t *testing.T) {
	now := time.Date(2024, 8, 2, 10, 30, 0, 0, time.UTC)

	fiveField, err := ParseCron("* * * * *")
	require.NoError(t, err)
	assert.True(t, fiveField.Next(now).Equal(now.Add(time.Minute)))

	sixField, err := ParseCron("*/10 * * * * *")
	require.NoError(t, err)
	assert.True(t, sixField.Next(now).Equal(now.Add(10*time.Second)))

	minutely, err := ParseCron("@minutely")
	require.NoError(t, err)
	assert.True(t, minutely.Next(now).Equal(now.Add(time.Minute)))

	hourly, err := ParseCron("@hourly")
	require.NoError(t, err)
	gap := hourly.Next(now).Sub(now)
	assert.True(t, gap > 0 && gap <= time.Hour)

	_, err = ParseCron("not a cron")
	assert.Error(t, err)

	_, err = ParseCron("* * *")
	assert.Error(t, err)
}

func TestCronInterval(t *testing.T) {
	sched, err := ParseCron("* * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, CronInterval(sched, time.Now()))

	hourly, err := ParseCron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, CronInterval(hourly, time.Now()))
}

func TestSchemaExport(t *testing.T) {
	out, err := Schema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(out, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "hosts")
	assert.Contains(t, props, "services")
	assert.Contains(t, props, "max_history_entries_per_check")
}
