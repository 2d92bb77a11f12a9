package checks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"maremma/internal/status"
)

const (
	defaultTlsPort        = 443
	defaultWarningDays    = 30
	defaultCriticalDays   = 7
	defaultTlsDialTimeout = 10 * time.Second
)

// TlsExecutor performs a TLS handshake and grades the peer certificate's
// remaining lifetime. Chain validation uses the process trust store.
type TlsExecutor struct{}

func (e *TlsExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	hostname := target.Address()
	if hostname == "" {
		return status.CheckResult{}, fmt.Errorf("tls check: no hostname for %s", target.HostName)
	}

	port := cfg.Int("port", defaultTlsPort)
	sni := cfg.String("sni", hostname)
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: defaultTlsDialTimeout},
		Config:    &tls.Config{ServerName: sni},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		var certErr *tls.CertificateVerificationError
		var hostErr x509.HostnameError
		switch {
		case errors.As(err, &certErr) && errors.As(certErr.Err, &hostErr):
			return status.NewResult(status.Critical, elapsed,
				fmt.Sprintf("certificate for %s does not match %s", addr, sni)), nil
		case errors.As(err, &certErr):
			return status.NewResult(status.Critical, elapsed,
				fmt.Sprintf("certificate verification for %s failed: %s", addr, certErr.Err)), nil
		default:
			return status.NewResult(status.Critical, elapsed,
				fmt.Sprintf("tls handshake with %s failed: %s", addr, err)), nil
		}
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return status.NewResult(status.Error, elapsed,
			fmt.Sprintf("%s presented no certificates", addr)), nil
	}
	leaf := state.PeerCertificates[0]

	warnAfter := time.Duration(cfg.Int("warning_days", defaultWarningDays)) * 24 * time.Hour
	critAfter := time.Duration(cfg.Int("critical_days", defaultCriticalDays)) * 24 * time.Hour

	now := time.Now()
	remaining := leaf.NotAfter.Sub(now)
	text := fmt.Sprintf("certificate for %s expires %s (%dd remaining)",
		sni, leaf.NotAfter.Format(time.RFC3339), int(remaining.Hours()/24))

	switch {
	case remaining <= 0:
		return status.NewResult(status.Critical,
			elapsed, fmt.Sprintf("certificate for %s expired %s", sni, leaf.NotAfter.Format(time.RFC3339))), nil
	case remaining <= critAfter:
		return status.NewResult(status.Critical, elapsed, text), nil
	case remaining <= warnAfter:
		return status.NewResult(status.Warning, elapsed, text), nil
	default:
		return status.NewResult(status.Ok, elapsed, text), nil
	}
}
