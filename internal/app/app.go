package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/rs/zerolog"

	"winrate-watch/internal/alerting"
	"winrate-watch/internal/baseline"
	"winrate-watch/internal/config"
	"winrate-watch/internal/deal"
	"winrate-watch/internal/driver"
	"winrate-watch/internal/fetcher"
	"winrate-watch/internal/metrics"
	"winrate-watch/internal/normalize"
	"winrate-watch/internal/rules"
	"winrate-watch/internal/scheduler"
	"winrate-watch/internal/service"
	"winrate-watch/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and summaries; logs never go here.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// AnalyzeOptions override configuration for one run.
type AnalyzeOptions struct {
	SnapshotPath string
	RulesPath    string
	OutDir       string
	NoChart      bool
	DryRun       bool
	Period       string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions configure re-exporting the committed baseline.
type ExportOptions struct {
	OutDir  string
	NoChart bool
}

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	RuleID   string
	Segment  string
	Feature  string
	Metric   string
	Observed float64
	Baseline float64
	Severity string
}

func (a *App) channelEnabled(name string) bool {
	channels := a.Config.Alerting.Channels
	return len(channels) == 0 || slices.Contains(channels, name)
}

func (a *App) newNotifier() (alerting.Notifier, func()) {
	var fanout alerting.Fanout
	var closers []func()

	if tg := a.Config.Alerting.Telegram; tg.Enabled && a.channelEnabled("telegram") {
		fanout = append(fanout, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger))
	}
	if kc := a.Config.Alerting.Kafka; kc.Enabled && a.channelEnabled("kafka") {
		writer := alerting.NewKafkaWriter(kc.Brokers, kc.Topic, kc.ClientID, kc.WriteTimeout)
		kn := alerting.NewKafkaNotifier(writer, kc.Topic, a.Logger)
		fanout = append(fanout, kn)
		closers = append(closers, func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close kafka writer")
			}
		})
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(fanout) {
	case 0:
		return nil, closeAll
	case 1:
		return fanout[0], closeAll
	}
	return fanout, closeAll
}

func (a *App) openStore(ctx context.Context) (baseline.Store, func(), error) {
	if a.Config.BaselineBackend() == config.BackendFile {
		return baseline.NewFileStore(a.Config.Baseline.Path), func() {}, nil
	}

	pool, err := baseline.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := baseline.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newSource(location string) normalize.Source {
	if fetcher.IsRemote(location) {
		return fetcher.NewSnapshot(fetcher.SnapshotOptions{
			URL:     location,
			Token:   a.Config.Normalizer.SnapshotToken,
			Timeout: a.Config.Normalizer.SnapshotTimeout,
		}, a.Logger)
	}
	return normalize.FileSource{Path: location}
}

func (a *App) newPipeline(store baseline.Store, opts AnalyzeOptions) (*service.Pipeline, func(), error) {
	cfg := a.Config

	groupings, err := cfg.Groupings()
	if err != nil {
		return nil, nil, err
	}
	dims, err := cfg.ModelDimensions()
	if err != nil {
		return nil, nil, err
	}
	refs, err := cfg.ReferenceLevels()
	if err != nil {
		return nil, nil, err
	}
	vocab := cfg.Vocabulary()

	snapshot := opts.SnapshotPath
	if snapshot == "" {
		snapshot = cfg.Normalizer.Snapshot
	}
	rulesPath := opts.RulesPath
	if rulesPath == "" {
		rulesPath = cfg.Rules.Path
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = cfg.Output.Dir
	}
	period := opts.Period
	if period == "" {
		period = cfg.Metrics.EvaluationPeriod
	}

	var notifier alerting.Notifier
	closeNotifier := func() {}
	if cfg.Alerting.Enabled && !opts.DryRun {
		notifier, closeNotifier = a.newNotifier()
	}

	var registry *telemetry.Registry
	if cfg.Telemetry.Enabled {
		registry = telemetry.NewRegistry()
	}

	components := service.Components{
		Source: a.newSource(snapshot),
		Store:  store,
		Normalizer: normalize.New(normalize.Policy{
			Vocabulary:  vocab,
			Granularity: deal.Granularity(cfg.Metrics.Granularity),
			DateLayouts: cfg.Normalizer.DateLayouts,
		}, a.Logger),
		Engine: metrics.NewEngine(metrics.Options{
			Groupings:     groupings,
			MinSampleSize: cfg.Metrics.MinSampleSize,
			ImpactFloor:   cfg.Metrics.ImpactFloor,
			Workers:       cfg.Metrics.Workers,
		}, a.Logger),
		Model: driver.NewModel(driver.Options{
			Dimensions:      dims,
			Vocabulary:      vocab,
			ReferenceLevels: refs,
			AmountUnit:      cfg.Model.AmountUnit,
			CycleUnit:       cfg.Model.CycleUnit,
			MinClosedDeals:  cfg.Model.MinClosedDeals,
			MaxIterations:   cfg.Model.MaxIterations,
			Tolerance:       cfg.Model.Tolerance,
			Ridge:           cfg.Model.Ridge,
		}, a.Logger),
		Rules: func() ([]rules.Rule, error) {
			return config.LoadRules(rulesPath)
		},
		Notifier: notifier,
		Sink: &OutputWriter{
			Dir:    outDir,
			Chart:  cfg.Output.DriverChart && !opts.NoChart,
			Logger: a.Logger,
		},
		Telemetry: registry,
	}

	pipeline := service.NewPipeline(components, service.Options{
		EvaluationPeriod: deal.Period(period),
		RuleWorkers:      cfg.Rules.Workers,
		DryRun:           opts.DryRun,
		LockKey:          cfg.Scheduler.AdvisoryLockKey,
		Retention:        cfg.Baseline.Retention,
		TelemetryPath:    cfg.Telemetry.TextfilePath,
	}, a.Logger)
	return pipeline, closeNotifier, nil
}

// Analyze runs the pipeline once and prints a summary.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipeline, closeNotifier, err := a.newPipeline(store, opts)
	if err != nil {
		return err
	}
	defer closeNotifier()

	result, err := pipeline.Execute(ctx)
	if err != nil {
		return err
	}
	a.printSummary(result)
	return nil
}

// Watch runs the pipeline on the configured schedule until interrupted.
func (a *App) Watch(ctx context.Context, opts AnalyzeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipeline, closeNotifier, err := a.newPipeline(store, opts)
	if err != nil {
		return err
	}
	defer closeNotifier()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting scheduled analysis")
	err = pipeline.Watch(ctx, sched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}

	a.Logger.Info().Msg("scheduled analysis stopped")
	return nil
}
