// Command channelctl manages channel identities and message statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"channelctl/internal/config"
	"channelctl/internal/controller"
	"channelctl/internal/observability/logging"
	"channelctl/internal/observability/metrics"
	"channelctl/internal/statspub"
	"channelctl/internal/storage"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

const postgresPingTimeout = 5 * time.Second

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

type globalFlags struct {
	configPath     string
	serverID       string
	implementation string
	storageDriver  string
	dataPath       string
	postgresDSN    string
	logLevel       string
	logFormat      string
	redisAddrs     string
}

// app carries everything a subcommand needs. Resources are opened lazily so
// that commands such as migrate never build a controller.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
	metrics *metrics.Recorder

	gateway   storage.Gateway
	publisher *statspub.RedisPublisher
	closers   []func()
}

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"id":          {"print the local id of a channel, allocating one if needed", cmdID},
	"exists":      {"report whether a channel has a local id", cmdExists},
	"lookup":      {"print the local id of a channel without allocating", cmdLookup},
	"list":        {"list every channel identity", cmdList},
	"remove":      {"remove a channel and its data", cmdRemove},
	"purge":       {"delete every message of a channel", cmdPurge},
	"stats":       {"load and print statistics (-kind current|total)", cmdStats},
	"reset":       {"reset current counters (-channel id[:metaDataId,...] -status s)", cmdReset},
	"reset-all":   {"reset current and lifetime counters of every channel", cmdResetAll},
	"serve":       {"run the admin HTTP server and the statistics refresh loop", cmdServe},
	"migrate":     {"apply Postgres schema migrations", cmdMigrate},
	"import-json": {"copy a JSON datastore into Postgres", cmdImportJSON},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	fs := flag.NewFlagSet("channelctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags globalFlags
	fs.StringVar(&flags.configPath, "config", "", "path to a TOML configuration file")
	fs.StringVar(&flags.serverID, "server-id", "", "server id used to scope statistics")
	fs.StringVar(&flags.implementation, "implementation", "", "controller implementation")
	fs.StringVar(&flags.storageDriver, "storage-driver", "", "datastore driver (json or postgres)")
	fs.StringVar(&flags.dataPath, "data", "", "path to the JSON datastore")
	fs.StringVar(&flags.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&flags.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&flags.redisAddrs, "redis-addrs", "", "comma separated Redis addresses for the statistics mirror")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(fs)
		return exitUsage
	}
	name := rest[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		printUsage(fs)
		return exitUsage
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg, err := resolveConfig(flags, lookup)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return exitUsage
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stderr})
	a := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr, metrics: metrics.New()}
	defer a.close()

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			if err != errUsage && !errors.Is(err, flag.ErrHelp) {
				fmt.Fprintln(stderr, err)
			}
			return exitUsage
		}
		logger.Error("command failed", "command", name, "error", err)
		return exitError
	}
	return exitOK
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: channelctl [flags] <command> [args]")
	fmt.Fprintln(out, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(out, "\nflags:")
	fs.PrintDefaults()
}

// resolveConfig layers flags over the environment, the config file, and the
// defaults.
func resolveConfig(flags globalFlags, lookup func(string) (string, bool)) (config.Config, error) {
	path := firstNonEmpty(flags.configPath, envValue(lookup, "CHANNELCTL_CONFIG"))
	cfg, err := config.Load(path, lookup)
	if err != nil {
		return config.Config{}, err
	}

	cfg.ServerID = firstNonEmpty(flags.serverID, cfg.ServerID)
	cfg.Implementation = firstNonEmpty(flags.implementation, cfg.Implementation)
	cfg.Storage.Driver = strings.ToLower(firstNonEmpty(flags.storageDriver, cfg.Storage.Driver))
	cfg.Storage.Path = firstNonEmpty(flags.dataPath, cfg.Storage.Path)
	cfg.Storage.Postgres.DSN = firstNonEmpty(flags.postgresDSN, cfg.Storage.Postgres.DSN)
	cfg.Log.Level = firstNonEmpty(flags.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(flags.logFormat, cfg.Log.Format)
	if addrs := splitList(flags.redisAddrs); len(addrs) > 0 {
		cfg.Redis.Addrs = addrs
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func envValue(lookup func(string) (string, bool), key string) string {
	value, _ := lookup(key)
	return strings.TrimSpace(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openGateway(ctx context.Context) (storage.Gateway, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	logger := logging.WithComponent(a.logger, "storage")
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		gateway, err := a.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		a.gateway = gateway
	default:
		gateway, err := storage.NewJSONGateway(a.cfg.Storage.Path, storage.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		a.gateway = gateway
	}
	return a.gateway, nil
}

// openPostgres opens the pool and pings it once, so a bad DSN fails the
// command before any operation runs.
func (a *app) openPostgres(ctx context.Context) (*storage.PostgresGateway, error) {
	if a.cfg.Storage.Driver != config.DriverPostgres {
		return nil, fmt.Errorf("%w: command requires the postgres storage driver", errUsage)
	}
	if pg, ok := a.gateway.(*storage.PostgresGateway); ok {
		return pg, nil
	}
	pgCfg := a.cfg.Storage.Postgres
	gateway, err := storage.NewPostgresGateway(pgCfg.DSN,
		storage.WithLogger(logging.WithComponent(a.logger, "storage")),
		storage.WithPostgresPoolLimits(pgCfg.MaxConnections, pgCfg.MinConnections),
		storage.WithPostgresPoolDurations(pgCfg.MaxConnLifetime, pgCfg.MaxConnIdleTime, pgCfg.HealthCheckInterval),
		storage.WithPostgresAcquireTimeout(pgCfg.AcquireTimeout),
		storage.WithPostgresApplicationName(pgCfg.ApplicationName),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gateway.Close(ctx); err != nil {
			a.logger.Warn("close postgres gateway", "error", err)
		}
	})
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := gateway.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("verify postgres connection: %w", err)
	}
	a.gateway = gateway
	return gateway, nil
}

func (a *app) openPublisher() (*statspub.RedisPublisher, error) {
	if a.publisher != nil || !a.cfg.Redis.Enabled() {
		return a.publisher, nil
	}
	redisCfg := a.cfg.Redis
	publisher, err := statspub.New(statspub.Config{
		Addrs:        redisCfg.Addrs,
		MasterName:   redisCfg.MasterName,
		Username:     redisCfg.Username,
		Password:     redisCfg.Password,
		DB:           redisCfg.DB,
		Prefix:       redisCfg.Prefix,
		PoolSize:     redisCfg.PoolSize,
		DialTimeout:  redisCfg.Timeout,
		ReadTimeout:  redisCfg.Timeout,
		WriteTimeout: redisCfg.Timeout,
		TLS: statspub.TLSConfig{
			CAFile:             redisCfg.TLSCAFile,
			CertFile:           redisCfg.TLSCertFile,
			KeyFile:            redisCfg.TLSKeyFile,
			ServerName:         redisCfg.TLSServerName,
			InsecureSkipVerify: redisCfg.TLSInsecureSkipVerify,
		},
		Logger: logging.WithComponent(a.logger, "statspub"),
	})
	if err != nil {
		return nil, fmt.Errorf("configure statistics mirror: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := publisher.Close(); err != nil {
			a.logger.Warn("close statistics mirror", "error", err)
		}
	})
	a.publisher = publisher
	return publisher, nil
}

func (a *app) controller(ctx context.Context) (controller.Controller, error) {
	gateway, err := a.openGateway(ctx)
	if err != nil {
		return nil, err
	}
	opts := []controller.Option{
		controller.WithLogger(logging.WithComponent(a.logger, "controller")),
		controller.WithMetrics(a.metrics),
	}
	publisher, err := a.openPublisher()
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		opts = append(opts, controller.WithStatisticsPublisher(publisher))
	}
	return controller.Build(a.cfg.Implementation, gateway, opts...)
}
