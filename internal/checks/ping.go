package checks

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"maremma/internal/status"
)

const defaultPingCount = 3

// PingExecutor sends ICMP echoes and reports Ok if any reply lands within
// the deadline. All probes are sent before the result is judged.
type PingExecutor struct{}

func (e *PingExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	addr := target.Address()
	if addr == "" {
		return status.CheckResult{}, fmt.Errorf("ping check: no hostname for %s", target.HostName)
	}

	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return status.NewResult(status.Critical, 0,
			fmt.Sprintf("resolving %s failed: %s", addr, err)), nil
	}

	pinger.Count = cfg.Int("count", defaultPingCount)
	pinger.Interval = 200 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	} else {
		pinger.Timeout = 10 * time.Second
	}
	if cfg.Bool("privileged", false) {
		pinger.SetPrivileged(true)
	}

	start := time.Now()
	if err := pinger.RunWithContext(ctx); err != nil {
		return status.NewResult(status.Critical, time.Since(start),
			fmt.Sprintf("ping %s failed: %s", addr, err)), nil
	}
	elapsed := time.Since(start)

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return status.NewResult(status.Critical, elapsed,
			fmt.Sprintf("no reply from %s after %d probes", addr, pinger.Count)), nil
	}

	text := fmt.Sprintf("%d/%d replies from %s, rtt min/avg/max = %s/%s/%s",
		stats.PacketsRecv, stats.PacketsSent, addr,
		stats.MinRtt.Round(time.Microsecond),
		stats.AvgRtt.Round(time.Microsecond),
		stats.MaxRtt.Round(time.Microsecond))
	return status.NewResult(status.Ok, elapsed, text), nil
}
