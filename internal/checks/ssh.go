package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"maremma/internal/status"
)

const defaultSshPort = 22

// SshExecutor connects to the target host, runs a command and maps the
// remote exit code per the Nagios convention.
type SshExecutor struct{}

func (e *SshExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	commandLine := cfg.String("command_line", "")
	if commandLine == "" {
		return status.CheckResult{}, fmt.Errorf("ssh check: command_line not set")
	}
	username := cfg.String("username", "")
	if username == "" {
		return status.CheckResult{}, fmt.Errorf("ssh check: username not set")
	}

	start := time.Now()

	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return status.NewResult(status.Error, time.Since(start), err.Error()), nil
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	clientConfig := &ssh.ClientConfig{
		User: username,
		Auth: auth,
		// hosts come and go from the inventory, key pinning lives outside
		// the probe
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(target.Address(), fmt.Sprintf("%d", cfg.Int("port", defaultSshPort)))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		elapsed := time.Since(start)
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "handshake failed") {
			return status.NewResult(status.Error, elapsed,
				fmt.Sprintf("ssh auth to %s failed: %s", addr, err)), nil
		}
		return status.NewResult(status.Critical, elapsed,
			fmt.Sprintf("ssh connect to %s failed: %s", addr, err)), nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return status.NewResult(status.Critical, time.Since(start),
			fmt.Sprintf("ssh session to %s failed: %s", addr, err)), nil
	}
	defer session.Close()

	// tear the connection down if the deadline fires mid-command
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	logrus.WithFields(logrus.Fields{
		"host":    target.HostName,
		"command": commandLine,
	}).Debug("Running SSH check")

	output, err := session.CombinedOutput(commandLine)
	elapsed := time.Since(start)

	expectedExit := cfg.Int("exit_code", 0)
	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return status.NewResult(status.Error, elapsed,
				fmt.Sprintf("ssh command failed: %s", err)), nil
		}
	}

	if exitCode == expectedExit {
		return status.NewResult(status.Ok, elapsed, string(output)), nil
	}
	if expectedExit == 0 {
		return status.NewResult(status.FromExitCode(exitCode), elapsed, string(output)), nil
	}
	return status.NewResult(status.Critical, elapsed,
		fmt.Sprintf("expected exit %d, got %d: %s", expectedExit, exitCode, output)), nil
}

func sshAuthMethods(cfg MergedConfig) ([]ssh.AuthMethod, error) {
	keyPath := cfg.String("private_key", "")
	password := cfg.String("password", "")

	if keyPath != "" {
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %w", keyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	return nil, fmt.Errorf("ssh check: no private_key or password configured")
}
