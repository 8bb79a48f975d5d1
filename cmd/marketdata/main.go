// Command marketdata is the ingestion core's entrypoint, adapted from
// cryptorun's cmd/cryptorun/main.go: the same zerolog-at-startup +
// spf13/cobra root-and-subcommand shape, narrowed from CryptoRun's
// menu-first scanner CLI to the run/inspect surface spec §6 defines.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ingestcore/marketdata/internal/httpapi"
	"github.com/ingestcore/marketdata/internal/obsmetrics"
	"github.com/ingestcore/marketdata/internal/ops"
	"github.com/ingestcore/marketdata/internal/orchestrator"
	"github.com/ingestcore/marketdata/internal/router"
)

const version = "v0.1.0"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "marketdata",
		Short:   "Multi-venue crypto market-data ingestion and aggregation engine",
		Version: version,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the engine's YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run [live|replay|live-with-processing]",
		Short: "Run the engine in one of its three modes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cursorName, _ := cmd.Flags().GetString("cursor-name")
			os.Exit(int(runEngine(cfgPath, orchestrator.Mode(args[0]), cursorName)))
			return nil
		},
	}
	runCmd.Flags().String("cursor-name", "default", "replay cursor name (replay and live-with-processing modes)")

	inspectCmd := &cobra.Command{
		Use:   "inspect [config|health]",
		Short: "Inspect configuration or current health without running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(int(runInspect(cfgPath, args[0])))
			return nil
		},
	}

	root.AddCommand(runCmd, inspectCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(orchestrator.ExitFatal))
	}
}

func runEngine(cfgPath string, mode orchestrator.Mode, cursorName string) orchestrator.ExitCode {
	a, err := buildApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return orchestrator.ExitFatal
	}
	defer closeApp(a)

	rtr, err := router.New(router.BestEffort, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return orchestrator.ExitFatal
	}

	o := orchestrator.New(a.venues, a.validators(), a.w, a.gaps, a.sink, a.switches, rtr, a.log, a.orchestratorOptions())

	if a.cfg.HTTPAPI.Enabled {
		srv, err := httpapi.New(httpapi.Config{Addr: a.cfg.HTTPAPI.Addr, Sink: a.sqliteSink, Writer: a.w}, a.log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return orchestrator.ExitFatal
		}
		go func() { _ = srv.Start() }()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Enabled {
		metrics := obsmetrics.New()
		metricsSrv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() { _ = metricsSrv.ListenAndServe() }()
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

		go watchHealth(ctx, o, metrics, secondsToDuration(a.cfg.HeartbeatIntervalS))
	}

	switch mode {
	case orchestrator.ModeLive:
		return o.RunLive(ctx)
	case orchestrator.ModeReplay:
		return o.RunReplay(ctx, cursorName)
	case orchestrator.ModeLiveWithProcessing:
		return o.RunLiveWithProcessing(ctx, cursorName)
	default:
		fmt.Fprintf(os.Stderr, "unknown run mode %q (want live|replay|live-with-processing)\n", mode)
		return orchestrator.ExitFatal
	}
}

func runInspect(cfgPath, target string) orchestrator.ExitCode {
	a, err := buildApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return orchestrator.ExitFatal
	}
	defer closeApp(a)

	switch target {
	case "config":
		fmt.Printf("%+v\n", a.cfg)
	case "health":
		armed, err := ops.CheckKillSwitchFile(a.cfg.KillSwitch.Path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return orchestrator.ExitFatal
		}
		fmt.Printf("kill_switch_armed=%v enabled_venues=%v\n", armed, a.switches.EnabledVenues())
	default:
		fmt.Fprintf(os.Stderr, "unknown inspect target %q (want config|health)\n", target)
		return orchestrator.ExitFatal
	}
	return orchestrator.ExitClean
}

// watchHealth periodically feeds the orchestrator's health report into the
// Prometheus registry so /metrics reflects the same numbers the log-based
// heartbeat reports.
func watchHealth(ctx context.Context, o *orchestrator.Orchestrator, metrics *obsmetrics.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Observe(o.Report())
		}
	}
}

func closeApp(a *app) {
	if a.sqliteSink != nil {
		_ = a.sqliteSink.Close()
	}
}
