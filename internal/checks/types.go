// Package checks implements the probe executors behind each service type.
package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"maremma/internal/status"
)

// ServiceType discriminates which executor runs a service.
type ServiceType string

const (
	TypeCli        ServiceType = "cli"
	TypeSsh        ServiceType = "ssh"
	TypePing       ServiceType = "ping"
	TypeHttp       ServiceType = "http"
	TypeTls        ServiceType = "tls"
	TypeKubernetes ServiceType = "kubernetes"
)

// AllTypes lists every executor the registry knows about.
var AllTypes = []ServiceType{TypeCli, TypeSsh, TypePing, TypeHttp, TypeTls, TypeKubernetes}

// ParseServiceType validates a configured service_type value.
func ParseServiceType(s string) (ServiceType, error) {
	t := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// Target identifies what a probe runs against.
type Target struct {
	HostName string
	Hostname string
}

// Address returns the network name to probe, falling back to the
// configuration key for synthetic hosts.
func (t Target) Address() string {
	if t.Hostname != "" {
		return t.Hostname
	}
	return t.HostName
}

// Executor is the one capability every probe satisfies: produce a CheckResult
// for a target under a deadline, never panic, never return errors for probe
// failures. The error return is reserved for malformed configuration.
type Executor interface {
	Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error)
}

// Registry maps service types to executors. The set is closed.
type Registry map[ServiceType]Executor

// NewRegistry builds the standard executor set.
func NewRegistry() Registry {
	return Registry{
		TypeCli:        &CliExecutor{},
		TypeSsh:        &SshExecutor{},
		TypePing:       &PingExecutor{},
		TypeHttp:       &HttpExecutor{},
		TypeTls:        &TlsExecutor{},
		TypeKubernetes: &KubernetesExecutor{},
	}
}

// Run dispatches to the right executor and normalises failure modes: a
// config error becomes an Error result, a blown deadline becomes Critical,
// and a crashed probe becomes Error rather than taking the daemon down.
func (r Registry) Run(ctx context.Context, st ServiceType, target Target, cfg MergedConfig) status.CheckResult {
	exec, ok := r[st]
	if !ok {
		return status.NewResult(status.Error, 0, fmt.Sprintf("no executor for service type %q", st))
	}

	start := time.Now()
	result, err := safeExecute(ctx, exec, target, cfg)
	elapsed := time.Since(start)

	var crashed *probePanic
	if errors.As(err, &crashed) {
		return status.NewResult(status.Error, elapsed, crashed.Error())
	}
	if err != nil {
		if ctx.Err() != nil {
			return status.NewResult(status.Critical, elapsed,
				fmt.Sprintf("timed out after %dms", elapsed.Milliseconds()))
		}
		return status.NewResult(status.Error, elapsed, err.Error())
	}
	if ctx.Err() != nil && result.Status != status.Ok {
		return status.NewResult(status.Critical, elapsed,
			fmt.Sprintf("timed out after %dms", elapsed.Milliseconds()))
	}
	result.Elapsed = elapsed
	return result
}

// probePanic marks a recovered executor panic so Run can map it to Error
// unconditionally, deadline or not.
type probePanic struct {
	value any
}

func (p *probePanic) Error() string {
	return fmt.Sprintf("probe panicked: %v", p.value)
}

// safeExecute runs the executor with a recover fence so a crashing probe
// surfaces as an error instead of killing the worker.
func safeExecute(ctx context.Context, exec Executor, target Target, cfg MergedConfig) (result status.CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"target": target.HostName,
				"panic":  fmt.Sprintf("%v", r),
			}).Error("Probe panicked")
			err = &probePanic{value: r}
		}
	}()
	return exec.Execute(ctx, target, cfg)
}
