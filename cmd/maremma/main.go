// Maremma, protecting the herd: a Nagios-style monitoring daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"maremma/internal/checks"
	"maremma/internal/config"
	"maremma/internal/database"
	"maremma/internal/metrics"
	"maremma/internal/reconcile"
	"maremma/internal/scheduler"
	"maremma/internal/shepherd"
	"maremma/internal/status"
	"maremma/internal/web"
)

const (
	exitOK            = 0
	exitError         = 1
	exitConfigInvalid = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("maremma", flag.ExitOnError)
	configFile := flags.String("config", config.DefaultConfigFile, "Path to the configuration file")
	logLevel := flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: maremma [flags] <run|check-config|export-config-schema|oneshot>\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	setupLogging(*logLevel)

	switch flags.Arg(0) {
	case "run", "":
		return runDaemon(*configFile)
	case "check-config":
		path := flags.Arg(1)
		if path == "" {
			path = *configFile
		}
		if _, err := config.Load(path); err != nil {
			logrus.WithError(err).Error("Configuration is invalid")
			return exitConfigInvalid
		}
		fmt.Println("configuration ok")
		return exitOK
	case "export-config-schema":
		schema, err := config.Schema()
		if err != nil {
			logrus.WithError(err).Error("Failed to export config schema")
			return exitError
		}
		fmt.Println(string(schema))
		return exitOK
	case "oneshot":
		return runOneshot(flags.Args()[1:])
	default:
		flags.Usage()
		return exitError
	}
}

func setupLogging(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func runDaemon(configFile string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		logrus.WithError(err).Error("Failed to load config")
		return exitConfigInvalid
	}

	logrus.WithFields(logrus.Fields{
		"config_file": configFile,
		"listen":      cfg.ListenAddr(),
		"hosts":       len(cfg.Hosts),
		"services":    len(cfg.Services),
	}).Info("Starting Maremma")

	store, err := database.Open(cfg.DatabaseFile, cfg.MaxHistoryEntriesPerCheck)
	if err != nil {
		logrus.WithError(err).Error("Failed to open database")
		return exitError
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := reconcile.New(store)
	if err := reconciler.Apply(ctx, cfg); err != nil {
		logrus.WithError(err).Error("Initial reconciliation failed")
		return exitError
	}

	collector := metrics.NewCollector(store)
	sched := scheduler.New(store, checks.NewRegistry(), cfg.MaxConcurrentChecks, cfg.MaxErrorBackoffMultiplier)
	sched.OnResult(func(check database.ServiceCheck, host *database.Host, svc *database.Service, result status.CheckResult) {
		serviceType := "unknown"
		if svc != nil {
			serviceType = svc.ServiceType
		}
		collector.RecordCheckResult(serviceType, result.Status, result.Elapsed)
	})

	webServer := web.NewServer(cfg, store, sched, collector)
	sched.OnResult(webServer.PublishResult)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return shepherd.New(store).Run(groupCtx) })
	group.Go(func() error { return webServer.Start(groupCtx) })
	group.Go(func() error {
		return handleSignals(groupCtx, cancel, func() {
			reloadConfig(groupCtx, configFile, reconciler, sched)
		})
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logrus.WithError(err).Error("Shutdown with error")
		return exitError
	}
	logrus.Info("Shutdown complete")
	return exitOK
}

// handleSignals turns SIGINT/SIGTERM into a cancel and SIGHUP into a config
// reload.
func handleSignals(ctx context.Context, cancel context.CancelFunc, reload func()) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logrus.Info("Received SIGHUP, reloading configuration")
				reload()
				continue
			}
			logrus.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
			return nil
		}
	}
}

// reloadConfig re-parses the config and reconciles. A bad config aborts the
// reload; the daemon keeps running on the old inventory.
func reloadConfig(ctx context.Context, configFile string, reconciler *reconcile.Reconciler, sched *scheduler.Scheduler) {
	cfg, err := config.Load(configFile)
	if err != nil {
		logrus.WithError(err).Error("Reload aborted, configuration invalid")
		return
	}
	if err := reconciler.Apply(ctx, cfg); err != nil {
		logrus.WithError(err).Error("Reload reconciliation failed")
		return
	}
	sched.InvalidateCache()
	logrus.Info("Configuration reloaded")
}

// runOneshot executes a single probe against a hostname with inline JSON
// config and exits with the Nagios code of the result.
func runOneshot(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: maremma oneshot <service_type> <hostname> [service_config_json]")
		return exitError
	}

	serviceType, err := checks.ParseServiceType(args[0])
	if err != nil {
		logrus.WithError(err).Error("Invalid service type")
		return exitConfigInvalid
	}

	merged := checks.MergedConfig{}
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &merged); err != nil {
			logrus.WithError(err).Error("Invalid service config JSON")
			return exitConfigInvalid
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	target := checks.Target{HostName: args[1], Hostname: args[1]}
	result := checks.NewRegistry().Run(ctx, serviceType, target, merged)

	fmt.Printf("%s: %s (%dms)\n", result.Status, result.ResultText, result.Elapsed.Milliseconds())
	return result.Status.ExitCode()
}
