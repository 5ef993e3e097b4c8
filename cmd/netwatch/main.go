// Command netwatch polls network devices, evaluates alert rules and
// compliance checks against the results, and serves the management API.
//
// Usage:
//
//	netwatch serve [flags]
//	netwatch check-config [flags]
//
// Every flag can also be set through the NETWATCH_* variable named in its
// help text. A .env file in the working directory is loaded first.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/pkg/netwatch/app"
	"github.com/vpbank/netwatch/pkg/netwatch/config"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/pkg/netwatch/scheduler"
	filetransport "github.com/vpbank/netwatch/transport/file"
)

var version = "dev"

func main() {
	env.Load()

	root := &cli.Command{
		Name:        "netwatch",
		Version:     version,
		Usage:       "Network device telemetry, alerting and compliance",
		Description: "Polls devices over SNMP and SSH, raises alerts from threshold rules and traps, and runs scheduled configuration compliance checks.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"NETWATCH_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (json, console)",
				DefaultValue: "json",
				EnvVars:      []string{"NETWATCH_LOG_FORMAT"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "config-dir",
				Usage:        "Root of the YAML configuration tree; NETWATCH_*_DIR override single sections",
				DefaultValue: "/etc/netwatch",
				EnvVars:      []string{"NETWATCH_CONFIG_DIR"},
				Global:       true,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			checkConfigCommand(),
		},
	}

	if err := root.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "netwatch: %v\n", err)
		os.Exit(1)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// serve
// ─────────────────────────────────────────────────────────────────────────────

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Run the poller, rule engine and API",
		Description: "Runs until SIGINT or SIGTERM, then drains in-flight polls within the shutdown grace period.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Usage: "Directory for the SQLite database (empty keeps state in memory)", EnvVars: []string{"NETWATCH_DATA_DIR"}},
			&cli.StringFlag{Name: "listen", Usage: "API listen address, - disables the API", DefaultValue: ":8080", EnvVars: []string{"NETWATCH_LISTEN"}},
			&cli.StringFlag{Name: "request-timeout", Usage: "Per-request API timeout", DefaultValue: "30s", EnvVars: []string{"NETWATCH_REQUEST_TIMEOUT"}},

			&cli.IntFlag{Name: "workers", Usage: "Maximum concurrent polls", DefaultValue: 64, EnvVars: []string{"NETWATCH_WORKERS"}},
			&cli.StringFlag{Name: "jitter", Usage: "Random delay added to each poll", DefaultValue: "0s", EnvVars: []string{"NETWATCH_JITTER"}},
			&cli.StringFlag{Name: "shutdown-grace", Usage: "Time allowed for in-flight polls at shutdown", DefaultValue: "10s", EnvVars: []string{"NETWATCH_SHUTDOWN_GRACE"}},
			&cli.IntFlag{Name: "history", Usage: "Snapshots kept per device", DefaultValue: 60, EnvVars: []string{"NETWATCH_HISTORY"}},
			&cli.StringFlag{Name: "sub-limit", Usage: "Share a poll sub-limit by credential or type (empty disables)", EnvVars: []string{"NETWATCH_SUB_LIMIT"}},
			&cli.IntFlag{Name: "sub-limit-size", Usage: "Concurrent polls per sub-limit key", DefaultValue: 4, EnvVars: []string{"NETWATCH_SUB_LIMIT_SIZE"}},
			&cli.BoolFlag{Name: "raw-counters", Usage: "Report counters as raw values instead of rates", EnvVars: []string{"NETWATCH_RAW_COUNTERS"}},
			&cli.StringFlag{Name: "snmp-idle-timeout", Usage: "Close pooled SNMP sessions idle this long", DefaultValue: "30s", EnvVars: []string{"NETWATCH_SNMP_IDLE_TIMEOUT"}},

			&cli.BoolFlag{Name: "traps", Usage: "Enable the SNMP trap receiver", EnvVars: []string{"NETWATCH_TRAPS"}},
			&cli.StringFlag{Name: "trap-listen", Usage: "Trap listener UDP address", DefaultValue: ":162", EnvVars: []string{"NETWATCH_TRAP_LISTEN"}},
			&cli.StringFlag{Name: "trap-community", Usage: "Accept only traps with this community (empty accepts all)", EnvVars: []string{"NETWATCH_TRAP_COMMUNITY"}},

			&cli.BoolFlag{Name: "journal", Usage: "Write events as JSON lines", EnvVars: []string{"NETWATCH_JOURNAL"}},
			&cli.StringFlag{Name: "journal-dir", Usage: "Journal directory (empty writes to stdout)", EnvVars: []string{"NETWATCH_JOURNAL_DIR"}},
			&cli.BoolFlag{Name: "journal-split", Usage: "Separate files for events, traps and snapshots", EnvVars: []string{"NETWATCH_JOURNAL_SPLIT"}},
			&cli.BoolFlag{Name: "journal-snapshots", Usage: "Include poll snapshots in the journal", EnvVars: []string{"NETWATCH_JOURNAL_SNAPSHOTS"}},
			&cli.IntFlag{Name: "journal-max-bytes", Usage: "Rotate journal files at this size (0 disables)", EnvVars: []string{"NETWATCH_JOURNAL_MAX_BYTES"}},
			&cli.IntFlag{Name: "journal-max-backups", Usage: "Rotated files kept per journal (0 keeps all)", DefaultValue: 5, EnvVars: []string{"NETWATCH_JOURNAL_MAX_BACKUPS"}},

			&cli.StringFlag{Name: "nats-url", Usage: "Publish events to this NATS server", EnvVars: []string{"NETWATCH_NATS_URL"}},
			&cli.StringFlag{Name: "nats-prefix", Usage: "NATS subject prefix", DefaultValue: "netwatch", EnvVars: []string{"NETWATCH_NATS_PREFIX"}},
			&cli.BoolFlag{Name: "nats-snapshots", Usage: "Also publish poll snapshots", EnvVars: []string{"NETWATCH_NATS_SNAPSHOTS"}},
		},
		Run: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	log, err := rootLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, &log)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("listen", cfg.Listen).Msg("netwatch: starting")
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func serveConfig(cmd *cli.Command) (app.Config, error) {
	var d durations
	cfg := app.Config{
		ConfigPaths:    config.PathsFromEnv(cmd.GetString("config-dir")),
		DataDir:        cmd.GetString("data-dir"),
		Listen:         cmd.GetString("listen"),
		RequestTimeout: d.parse(cmd, "request-timeout"),

		Workers:       cmd.GetInt("workers"),
		Jitter:        d.parse(cmd, "jitter"),
		ShutdownGrace: d.parse(cmd, "shutdown-grace"),
		HistorySize:   cmd.GetInt("history"),
		SubLimit:      scheduler.SubLimitKey(cmd.GetString("sub-limit")),
		SubLimitSize:  cmd.GetInt("sub-limit-size"),
		RawCounters:   cmd.GetBool("raw-counters"),

		SessionIdleTimeout: d.parse(cmd, "snmp-idle-timeout"),

		TrapEnabled:    cmd.GetBool("traps"),
		TrapListenAddr: cmd.GetString("trap-listen"),
		TrapCommunity:  cmd.GetString("trap-community"),

		JournalEnabled: cmd.GetBool("journal"),
		Journal: filetransport.JournalConfig{
			Dir:        cmd.GetString("journal-dir"),
			Split:      cmd.GetBool("journal-split"),
			Snapshots:  cmd.GetBool("journal-snapshots"),
			MaxBytes:   int64(cmd.GetInt("journal-max-bytes")),
			MaxBackups: cmd.GetInt("journal-max-backups"),
		},

		NATSURL:       cmd.GetString("nats-url"),
		NATSPrefix:    cmd.GetString("nats-prefix"),
		NATSSnapshots: cmd.GetBool("nats-snapshots"),
	}
	if d.err != nil {
		return app.Config{}, d.err
	}
	switch cfg.SubLimit {
	case scheduler.SubLimitNone, scheduler.SubLimitCredential, scheduler.SubLimitType:
	default:
		return app.Config{}, fmt.Errorf("unknown sub-limit %q (expected credential|type)", cfg.SubLimit)
	}
	return cfg, nil
}

// durations parses duration flags, keeping the first error.
type durations struct{ err error }

func (d *durations) parse(cmd *cli.Command, name string) time.Duration {
	s := cmd.GetString(name)
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("--%s: %w", name, err)
	}
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// check-config
// ─────────────────────────────────────────────────────────────────────────────

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:        "check-config",
		Usage:       "Validate the configuration tree and exit",
		Description: "Loads every YAML section and reports all problems found, without contacting any device.",
		Run: func(_ context.Context, cmd *cli.Command) error {
			log, err := rootLogger(cmd)
			if err != nil {
				return err
			}
			loaded, err := config.Load(config.PathsFromEnv(cmd.GetString("config-dir")), logger.Component(&log, "config"))
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: %d devices, %d groups, %d rules, %d compliance checks, %d credentials\n",
				len(loaded.Devices), len(loaded.Groups), len(loaded.Rules), len(loaded.Checks), len(loaded.Credentials))
			return nil
		},
	}
}

func rootLogger(cmd *cli.Command) (zerolog.Logger, error) {
	return logger.New(logger.Config{
		Level:  cmd.GetString("log-level"),
		Format: cmd.GetString("log-format"),
		Output: "stderr",
	})
}
