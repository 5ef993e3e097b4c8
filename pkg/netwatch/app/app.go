// Package app wires the netwatch components together and manages their
// lifecycle.
//
// Poll path:
//
//	Scheduler ──▶ WorkerPool ──▶ Mux(SNMP, SSH) ──▶ Registry.ApplyPollResult
//	    └── SnapshotHandler: Engine.Evaluate ──▶ alerts.Store.Apply ──▶ journal, NATS
//
// Trap path (parallel):
//
//	trapreceiver.Receiver ──▶ Mapper ──▶ alerts.Store.RaiseTrap / ResolveFor
//	                               └──▶ journal, NATS
//
// Device removal fans out from the Registry to the group resolver, the alert
// store (orphaned alerts are archived) and the per-device state of the
// engine, the producer and the trap mapper.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/alerts"
	"github.com/vpbank/netwatch/pkg/netwatch/api"
	"github.com/vpbank/netwatch/pkg/netwatch/config"
	"github.com/vpbank/netwatch/pkg/netwatch/groups"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/pkg/netwatch/poller"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
	"github.com/vpbank/netwatch/pkg/netwatch/scheduler"
	"github.com/vpbank/netwatch/pkg/netwatch/store"
	"github.com/vpbank/netwatch/pkg/netwatch/trapreceiver"
	"github.com/vpbank/netwatch/producer/metrics"
	filetransport "github.com/vpbank/netwatch/transport/file"
	natstransport "github.com/vpbank/netwatch/transport/nats"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config holds the process-level settings. Zero values fall back to the
// defaults noted.
type Config struct {
	// ConfigPaths locates the YAML trees. See config.PathsFromEnv.
	ConfigPaths config.Paths

	// DataDir enables SQLite persistence when set.
	DataDir string

	// Listen is the API address (default ":8080"). "-" disables the API.
	Listen         string
	RequestTimeout time.Duration

	Workers       int           // global concurrency limit (default 64)
	Tick          time.Duration // scheduler tick (default 1s)
	Jitter        time.Duration
	ShutdownGrace time.Duration // default 10s
	HistorySize   int           // snapshots kept per device (default 60)

	SubLimit     scheduler.SubLimitKey
	SubLimitSize int

	RawCounters bool

	SessionIdleTimeout time.Duration

	TrapEnabled    bool
	TrapListenAddr string
	TrapCommunity  string

	JournalEnabled bool
	Journal        filetransport.JournalConfig

	NATSURL       string
	NATSPrefix    string
	NATSSnapshots bool
}

const (
	counterPurgeEvery = 10 * time.Minute
	counterMaxAge     = 6 * time.Hour
)

func (c *Config) withDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Workers <= 0 {
		c.Workers = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App owns every component. Build with New, run with Start and Stop, or
// with Run.
type App struct {
	cfg    Config
	logger *zerolog.Logger

	loaded *config.LoadedConfig
	db     *store.SQLite

	Registry   *registry.Registry
	Groups     *groups.Resolver
	Engine     *rules.Engine
	Compliance *rules.ComplianceRunner
	Alerts     *alerts.Store
	Scheduler  *scheduler.Scheduler
	API        *api.Server

	sessions *poller.SessionPool
	workers  *poller.WorkerPool
	producer *metrics.Producer
	traps    *trapreceiver.Receiver
	mapper   *trapreceiver.Mapper
	journal  *filetransport.Journal
	nats     *natstransport.Publisher

	cancel     context.CancelFunc
	poolCancel context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// New loads configuration, opens persistence and builds the components. It
// starts nothing.
func New(ctx context.Context, cfg Config, log *zerolog.Logger) (*App, error) {
	cfg.withDefaults()
	a := &App{cfg: cfg, logger: logger.OrNop(log)}

	a.logger.Info().Msg("app: loading configuration")
	loaded, err := config.Load(cfg.ConfigPaths, logger.Component(log, "config"))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.loaded = loaded

	if cfg.DataDir != "" {
		if a.db, err = store.Open(cfg.DataDir, logger.Component(log, "store")); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	if err := a.buildOutputs(); err != nil {
		a.closeOutputs()
		return nil, err
	}
	a.buildCore()
	if err := a.restore(ctx); err != nil {
		a.closeOutputs()
		return nil, err
	}
	a.buildPolling()
	if cfg.TrapEnabled {
		a.buildTraps()
	}
	if cfg.Listen != "-" {
		a.API = api.New(api.Deps{
			Devices:    a.Registry,
			Poller:     a.Scheduler,
			Rules:      a.Engine,
			Groups:     a.Groups,
			Alerts:     a.Alerts,
			Compliance: a.Compliance,
		}, cfg.RequestTimeout, logger.Component(log, "api"))
	}
	return a, nil
}

// buildOutputs opens the journal and the NATS connection.
func (a *App) buildOutputs() error {
	if a.cfg.JournalEnabled {
		j, err := filetransport.OpenJournal(a.cfg.Journal, logger.Component(a.logger, "journal"))
		if err != nil {
			return fmt.Errorf("app: journal: %w", err)
		}
		a.journal = j
	}
	if a.cfg.NATSURL != "" {
		p, err := natstransport.Connect(natstransport.Config{
			URL:       a.cfg.NATSURL,
			Prefix:    a.cfg.NATSPrefix,
			Snapshots: a.cfg.NATSSnapshots,
		}, logger.Component(a.logger, "nats"))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.nats = p
	}
	return nil
}

// buildCore creates the registry, groups, engine, alert store and compliance
// runner and subscribes them to one another. Optional stores are passed as
// untyped nil so the components see a nil interface.
func (a *App) buildCore() {
	log := a.logger

	var (
		devStore   registry.Store
		groupStore groups.Store
		ruleStore  rules.Store
		checkStore rules.CheckStore
		alertStore alerts.Persister
	)
	if a.db != nil {
		devStore, groupStore, ruleStore, checkStore, alertStore = a.db, a.db, a.db, a.db, a.db
	}

	a.Registry = registry.New(registry.Options{Store: devStore, HistorySize: a.cfg.HistorySize}, logger.Component(log, "registry"))
	a.Groups = groups.NewResolver(a.Registry, groupStore, logger.Component(log, "groups"))
	a.Engine = rules.NewEngine(a.Groups, ruleStore, logger.Component(log, "rules"))
	a.Engine.SetHistorySize(a.Registry.HistorySize())
	a.Alerts = alerts.New(alerts.Options{Persister: alertStore, Groups: a.Groups}, logger.Component(log, "alerts"))
	a.Compliance = rules.NewComplianceRunner(a.Engine, a.Registry, checkStore, logger.Component(log, "compliance"))
	a.producer = metrics.New(metrics.Config{RawCounters: a.cfg.RawCounters}, logger.Component(log, "producer"))

	a.Registry.Subscribe(a.Groups)
	a.Registry.Subscribe(a.Alerts)
	a.Registry.Subscribe(registry.ListenerFunc(a.trackDevices))

	for _, s := range a.eventSinks() {
		a.Alerts.AddSink(s)
		a.Compliance.AddSink(s)
	}
}

// eventSink is satisfied by the journal and the NATS publisher.
type eventSink interface {
	alerts.Sink
	rules.ComplianceSink
	scheduler.SnapshotHandler
	trapreceiver.TrapSink
}

func (a *App) eventSinks() []eventSink {
	var out []eventSink
	if a.journal != nil {
		out = append(out, a.journal)
	}
	if a.nats != nil {
		out = append(out, a.nats)
	}
	return out
}

// trackDevices keeps per-device state in step with the registry.
func (a *App) trackDevices(ev registry.Event) {
	switch ev.Type {
	case registry.EventAdded:
		a.Engine.TrackDevice(ev.Device.ID)
	case registry.EventRemoved:
		a.Engine.ForgetDevice(ev.Device.ID)
		a.producer.ForgetDevice(ev.Device.ID)
		if a.mapper != nil {
			a.mapper.ForgetDevice(ev.Device.ID)
		}
	}
}

// buildPolling creates the collectors, worker pool and scheduler.
func (a *App) buildPolling() {
	log := a.logger
	d := a.loaded.Defaults
	creds := poller.CredentialSet(a.loaded.Credentials)

	a.sessions = poller.NewSessionPool(poller.PoolOptions{IdleTimeout: a.cfg.SessionIdleTimeout})
	mux := poller.NewMux()
	mux.Handle(models.ProtocolSNMP, poller.NewSNMPCollector(a.sessions, creds, d.SNMPMetrics, logger.Component(log, "snmp")))
	mux.Handle(models.ProtocolSSH, poller.NewSSHCollector(creds, poller.SSHOptions{
		ConfigCommand: d.SSHConfigCommand,
		Commands:      d.SSHCommands,
	}, logger.Component(log, "ssh")))

	a.workers = poller.NewWorkerPool(a.cfg.Workers, mux, logger.Component(log, "poller"))

	handlers := []scheduler.SnapshotHandler{&pipeline{
		history: a.Registry,
		engine:  a.Engine,
		alerts:  a.Alerts,
		logger:  logger.Component(log, "pipeline"),
	}}
	for _, s := range a.eventSinks() {
		handlers = append(handlers, s)
	}

	a.Scheduler = scheduler.New(a.Registry, a.workers, scheduler.Options{
		Interval:      d.Profile.Interval,
		Timeout:       d.Profile.Timeout,
		Jitter:        a.cfg.Jitter,
		Tick:          a.cfg.Tick,
		ShutdownGrace: a.cfg.ShutdownGrace,
		SubLimit:      a.cfg.SubLimit,
		SubLimitSize:  a.cfg.SubLimitSize,
		Builder:       a.producer,
		Handler:       fanout(handlers),
	}, logger.Component(log, "scheduler"))
}

func (a *App) buildTraps() {
	log := logger.Component(a.logger, "trapreceiver")
	a.traps = trapreceiver.New(trapreceiver.Config{
		ListenAddr: a.cfg.TrapListenAddr,
		Community:  a.cfg.TrapCommunity,
	}, log)
	a.mapper = trapreceiver.NewMapper(a.Registry, a.Alerts, trapreceiver.MapperOptions{}, log)
	for _, s := range a.eventSinks() {
		a.mapper.AddSink(s)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Start launches the worker pool, scheduler, compliance cron, trap receiver
// and API. A trap listener that cannot bind is logged and skipped.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Workers outlive the scheduler's grace period; the scheduler cancels
	// stragglers itself.
	poolCtx, poolCancel := context.WithCancel(context.Background())
	a.poolCancel = poolCancel
	a.workers.Start(poolCtx)

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.Scheduler.Start(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.Compliance.Start(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.purgeCounters(runCtx)
	}()

	if a.traps != nil {
		if err := a.traps.Start(runCtx); err != nil {
			a.logger.Error().Err(err).Msg("app: trap receiver failed to start, continuing without traps")
			a.traps = nil
		} else {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.mapper.Run(runCtx, a.traps.Output())
			}()
		}
	}

	if a.API != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.API.ListenAndServe(runCtx, a.cfg.Listen, a.cfg.ShutdownGrace); err != nil {
				a.logger.Error().Err(err).Msg("app: api stopped")
				cancel()
			}
		}()
	}

	a.logger.Info().
		Int("devices", len(a.Registry.List(models.DeviceFilter{}))).
		Int("workers", a.cfg.Workers).
		Bool("traps", a.traps != nil).
		Bool("persistence", a.db != nil).
		Msg("app: running")
	return nil
}

// purgeCounters drops counter samples of metrics that stopped reporting.
func (a *App) purgeCounters(ctx context.Context) {
	t := time.NewTicker(counterPurgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.producer.Purge(counterMaxAge); n > 0 {
				a.logger.Debug().Int("series", n).Msg("app: stale counter samples purged")
			}
		}
	}
}

// Stop shuts everything down: the scheduler drains in-flight polls within
// the grace period, then the workers, receivers and outputs are closed.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("app: shutting down")
		if a.cancel != nil {
			a.cancel()
			a.Scheduler.Stop()
		}
		if a.traps != nil {
			a.traps.Stop()
		}
		a.wg.Wait()

		if a.poolCancel != nil {
			a.poolCancel()
		}
		a.workers.Stop()

		if err := a.sessions.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("app: session pool close")
		}
		a.closeOutputs()
		a.logger.Info().Msg("app: shutdown complete")
	})
}

// Run starts the app and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

func (a *App) closeOutputs() {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("app: close outputs")
	}
}
