package checks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maremma/internal/status"
)

func TestSshExecutorConfigErrors(t *testing.T) {
	exec := &SshExecutor{}

	_, err := exec.Execute(context.Background(), Target{Hostname: "h"}, MergedConfig{
		"username": "maremma",
	})
	assert.Error(t, err, "missing command_line")

	_, err = exec.Execute(context.Background(), Target{Hostname: "h"}, MergedConfig{
		"command_line": "uptime",
	})
	assert.Error(t, err, "missing username")
}

func TestSshExecutorNoCredentials(t *testing.T) {
	exec := &SshExecutor{}
	res, err := exec.Execute(context.Background(), Target{Hostname: "h"}, MergedConfig{
		"command_line": "uptime",
		"username":     "maremma",
	})
	require.NoError(t, err)
	assert.Equal(t, status.Error, res.Status)
	assert.Contains(t, res.ResultText, "no private_key or password")
}

func TestSshExecutorMissingKeyFile(t *testing.T) {
	exec := &SshExecutor{}
	res, err := exec.Execute(context.Background(), Target{Hostname: "h"}, MergedConfig{
		"command_line": "uptime",
		"username":     "maremma",
		"private_key":  "/no/such/key",
	})
	require.NoError(t, err)
	assert.Equal(t, status.Error, res.Status)
}

func TestSshExecutorConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exec := &SshExecutor{}
	res, err := exec.Execute(ctx, Target{Hostname: "127.0.0.1"}, MergedConfig{
		"command_line": "uptime",
		"username":     "maremma",
		"password":     "hunter2",
		"port":         float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, status.Critical, res.Status)
}
