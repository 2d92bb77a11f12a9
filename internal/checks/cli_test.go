package checks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maremma/internal/status"
)

func TestCliExecutorOk(t *testing.T) {
	exec := &CliExecutor{}
	res, err := exec.Execute(context.Background(), Target{HostName: "local"}, MergedConfig{
		"command_line": "echo hello world",
	})
	require.NoError(t, err)
	assert.Equal(t, status.Ok, res.Status)
	assert.Equal(t, "hello world", res.ResultText)
}

func TestCliExecutorExitCodes(t *testing.T) {
	exec := &CliExecutor{}

	for code, want := range map[string]status.Status{
		"1": status.Warning,
		"2": status.Critical,
		"3": status.Unknown,
		"9": status.Error,
	} {
		res, err := exec.Execute(context.Background(), Target{}, MergedConfig{
			"command_line": "sh -c 'exit " + code + "'",
		})
		require.NoError(t, err)
		assert.Equal(t, want, res.Status, "exit %s", code)
	}
}

func TestCliExecutorMissingCommand(t *testing.T) {
	exec := &CliExecutor{}
	res, err := exec.Execute(context.Background(), Target{}, MergedConfig{
		"command_line": "/no/such/binary --flag",
	})
	require.NoError(t, err)
	assert.Equal(t, status.Error, res.Status)
}

func TestCliExecutorConfigErrors(t *testing.T) {
	exec := &CliExecutor{}
	_, err := exec.Execute(context.Background(), Target{}, MergedConfig{})
	assert.Error(t, err)

	_, err = exec.Execute(context.Background(), Target{}, MergedConfig{
		"command_line": `sh -c "unterminated`,
	})
	assert.Error(t, err)
}

func TestRegistryDeadline(t *testing.T) {
	reg := NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := reg.Run(ctx, TypeCli, Target{}, MergedConfig{"command_line": "sleep 5"})
	assert.Equal(t, status.Critical, res.Status)
	assert.Contains(t, res.ResultText, "timed out")
	assert.Less(t, res.Elapsed, 2*time.Second)
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	res := reg.Run(context.Background(), ServiceType("nope"), Target{}, MergedConfig{})
	assert.Equal(t, status.Error, res.Status)
}

type panickyExecutor struct{}

func (p *panickyExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	panic("handshake exploded")
}

func TestRegistryContainsPanics(t *testing.T) {
	reg := Registry{TypeCli: &panickyExecutor{}}

	res := reg.Run(context.Background(), TypeCli, Target{HostName: "h"}, MergedConfig{})
	assert.Equal(t, status.Error, res.Status)
	assert.Contains(t, res.ResultText, "probe panicked")
	assert.Contains(t, res.ResultText, "handshake exploded")

	// a crash stays Error even when the deadline has also expired
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = reg.Run(ctx, TypeCli, Target{HostName: "h"}, MergedConfig{})
	assert.Equal(t, status.Error, res.Status)
	assert.Contains(t, res.ResultText, "probe panicked")
}

func TestRegistryConfigErrorBecomesError(t *testing.T) {
	reg := NewRegistry()
	res := reg.Run(context.Background(), TypeCli, Target{}, MergedConfig{})
	assert.Equal(t, status.Error, res.Status)
	assert.Contains(t, res.ResultText, "command_line")
}
