package main

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ingestcore/marketdata/internal/config"
	"github.com/ingestcore/marketdata/internal/eventlog"
	"github.com/ingestcore/marketdata/internal/eventlog/postgres"
	"github.com/ingestcore/marketdata/internal/gapdetect"
	"github.com/ingestcore/marketdata/internal/obslog"
	"github.com/ingestcore/marketdata/internal/ops"
	"github.com/ingestcore/marketdata/internal/orchestrator"
	"github.com/ingestcore/marketdata/internal/secrets"
	"github.com/ingestcore/marketdata/internal/validator"
	"github.com/ingestcore/marketdata/internal/venue"
	"github.com/ingestcore/marketdata/internal/venue/binance"
	"github.com/ingestcore/marketdata/internal/venue/guard"
	"github.com/ingestcore/marketdata/internal/venue/kraken"
	"github.com/ingestcore/marketdata/internal/venue/okx"
	"github.com/ingestcore/marketdata/internal/writer"
)

// app bundles every long-lived component the CLI's subcommands share.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	venues   map[string]*orchestrator.VenueRuntime
	w        *writer.Writer
	gaps     *gapdetect.Detector
	sink     eventlog.Backend
	sqliteSink *eventlog.Sink
	switches *ops.SwitchManager
}

func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := obslog.New(obslog.Options{Level: cfg.LogLevel})
	secretsProvider := secrets.NewProvider("MD")

	w := writer.New(cfg.Storage.Path)

	var enabledVenues []string
	venues := make(map[string]*orchestrator.VenueRuntime)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		enabledVenues = append(enabledVenues, name)

		g := guard.New(guard.Config{Venue: name, RatePerSecond: vc.RateLimitPerSec})
		_ = secretsProvider.VenueCredentials(name) // most public channels need no credentials

		var adapter venue.Adapter
		switch name {
		case "kraken":
			adapter = kraken.New(kraken.Config{RESTURL: vc.RESTURL, WSURL: vc.WSURL, Limiter: g.Limiter(), Breaker: g.Breaker(), Logger: log})
		case "binance":
			adapter = binance.New(binance.Config{RESTURL: vc.RESTURL, WSBase: vc.WSURL, Limiter: g.Limiter(), Breaker: g.Breaker(), Logger: log})
		case "okx":
			adapter = okx.New(okx.Config{RESTURL: vc.RESTURL, WSURL: vc.WSURL, Limiter: g.Limiter(), Breaker: g.Breaker(), Logger: log})
		default:
			return nil, fmt.Errorf("config: unknown venue %q (supported: kraken, binance, okx)", name)
		}

		venues[name] = &orchestrator.VenueRuntime{
			Name:         name,
			Adapter:      adapter,
			Guard:        g,
			Symbols:      vc.Symbols,
			WSTimeframes: cfg.WSTimeframes,
			BackfillTFs:  cfg.Timeframes,
		}
	}
	if len(venues) == 0 {
		return nil, fmt.Errorf("config: no enabled venues resolved to adapters")
	}

	var gaps *gapdetect.Detector
	if cfg.GapDetection.Enabled {
		gaps = gapdetect.New(gapdetect.Config{
			Enabled:                           cfg.GapDetection.Enabled,
			LookbackDays:                      cfg.GapDetection.LookbackDays,
			CooldownMinutes:                   cfg.GapDetection.CooldownMinutes,
			LateGraceIntervals:                cfg.GapDetection.LateGraceIntervals,
			MaxGapsPerStreamPerRun:            cfg.GapDetection.MaxGapsPerStreamPerRun,
			MaxBackfillMinutesPerStreamPerRun: cfg.GapDetection.MaxBackfillMinutesPerStreamPerRun,
			BackfillChunkSize:                 cfg.GapDetection.BackfillChunkSize,
		}, cfg.Storage.Path+"/.gap_detector_state.json", w)
		if err := gaps.Load(); err != nil {
			return nil, fmt.Errorf("gap detector: %w", err)
		}
	}

	var backend eventlog.Backend
	var sqliteSink *eventlog.Sink
	switch cfg.EventLog.Backend {
	case "postgres":
		dsn, err := secretsProvider.DSN(cfg.EventLog.Postgres.DSNEnv)
		if err != nil {
			return nil, err
		}
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("eventlog/postgres: open: %w", err)
		}
		if _, err := db.Exec(postgres.Schema); err != nil {
			return nil, fmt.Errorf("eventlog/postgres: apply schema: %w", err)
		}
		backend = postgres.New(db, 0)
	default:
		s, err := eventlog.Open(cfg.EventLog.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open: %w", err)
		}
		sqliteSink = s
		backend = eventlog.SQLiteBackend{Sink: s}
	}

	switches := ops.NewSwitchManager(enabledVenues)

	return &app{cfg: cfg, log: log, venues: venues, w: w, gaps: gaps, sink: backend, sqliteSink: sqliteSink, switches: switches}, nil
}

func (a *app) validators() *validator.Registry {
	return validator.NewRegistry(a.cfg.Validation.OutOfOrderWindow)
}

func (a *app) orchestratorOptions() orchestrator.Options {
	return orchestrator.Options{
		HeartbeatInterval:  secondsToDuration(a.cfg.HeartbeatIntervalS),
		ShutdownTimeout:    secondsToDuration(a.cfg.ShutdownTimeoutS),
		KillSwitchPath:     a.cfg.KillSwitch.Path,
		AggregationEnabled: a.cfg.Aggregation.Enabled,
		BaseTimeframe:      a.cfg.Aggregation.BaseTimeframe,
		DeriveTimeframes:   a.cfg.DeriveTimeframes,
		ReplayChunkSize:    500,
		ReplayMaxEvents:    0,
		ReplayPollInterval: secondsToDuration(a.cfg.HeartbeatIntervalS),
	}
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }
