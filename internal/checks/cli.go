package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"maremma/internal/status"
)

// envAllowlist is the only environment a child check process inherits.
var envAllowlist = []string{"PATH", "HOME", "LANG", "TZ"}

// CliExecutor spawns a local command and maps its exit code per the Nagios
// plugin convention.
type CliExecutor struct{}

func (e *CliExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	commandLine := cfg.String("command_line", "")
	if commandLine == "" {
		return status.CheckResult{}, fmt.Errorf("cli check: command_line not set")
	}

	argv, err := shlex.Split(commandLine)
	if err != nil || len(argv) == 0 {
		return status.CheckResult{}, fmt.Errorf("cli check: parsing command_line %q: %w", commandLine, err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = allowlistedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr == nil {
		return status.NewResult(status.Ok, elapsed, stdout.String()), nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal (including our deadline)
			return status.NewResult(status.Error, elapsed,
				fmt.Sprintf("command terminated: %s", exitErr)), nil
		}
		text := stdout.String()
		if stderr.Len() > 0 {
			text += "\n" + stderr.String()
		}
		logrus.WithFields(logrus.Fields{
			"command": argv[0],
			"exit":    code,
		}).Debug("CLI check returned non-zero")
		return status.NewResult(status.FromExitCode(code), elapsed, text), nil
	}

	// the command never started
	return status.NewResult(status.Error, elapsed, runErr.Error()), nil
}

func allowlistedEnv() []string {
	var env []string
	for _, key := range envAllowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}
