// Package config resolves channelctl settings from defaults, an optional
// TOML file, and CHANNELCTL_* environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const EnvPrefix = "CHANNELCTL_"

const (
	DriverJSON     = "json"
	DriverPostgres = "postgres"
)

type Config struct {
	ServerID       string
	Implementation string
	Log            LogConfig
	Storage        StorageConfig
	Redis          RedisConfig
	Admin          AdminConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Driver   string
	Path     string
	Postgres PostgresConfig
}

type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// RedisConfig enables the statistics mirror when Addrs is non-empty.
type RedisConfig struct {
	Addrs                 []string
	MasterName            string
	Username              string
	Password              string
	DB                    int
	Prefix                string
	PoolSize              int
	Timeout               time.Duration
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string
	TLSServerName         string
	TLSInsecureSkipVerify bool
}

type AdminConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	RefreshInterval time.Duration
}

// Enabled reports whether a Redis mirror is configured.
func (r RedisConfig) Enabled() bool {
	return len(r.Addrs) > 0
}

func Default() Config {
	return Config{
		ServerID:       "local",
		Implementation: "local",
		Log:            LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Driver: DriverJSON,
			Path:   "data/channels.json",
			Postgres: PostgresConfig{
				MaxConnections:  10,
				AcquireTimeout:  5 * time.Second,
				ApplicationName: "channelctl",
			},
		},
		Redis: RedisConfig{
			Prefix:  "channelctl",
			Timeout: 3 * time.Second,
		},
		Admin: AdminConfig{
			Addr:            "127.0.0.1:8085",
			ShutdownTimeout: 10 * time.Second,
			RefreshInterval: 30 * time.Second,
		},
	}
}

// Load resolves defaults, then the file at path (skipped when empty), then
// the environment.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerID) == "" {
		errs = append(errs, errors.New("server_id is required"))
	}
	switch c.Storage.Driver {
	case DriverJSON:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	if c.Storage.Postgres.MinConnections > c.Storage.Postgres.MaxConnections && c.Storage.Postgres.MaxConnections > 0 {
		errs = append(errs, errors.New("storage.postgres.min_connections exceeds max_connections"))
	}
	if c.Admin.RefreshInterval < 0 {
		errs = append(errs, errors.New("admin.refresh_interval must not be negative"))
	}
	return errors.Join(errs...)
}

type fileConfig struct {
	ServerID       string      `toml:"server_id"`
	Implementation string      `toml:"implementation"`
	Log            fileLog     `toml:"log"`
	Storage        fileStorage `toml:"storage"`
	Redis          fileRedis   `toml:"redis"`
	Admin          fileAdmin   `toml:"admin"`
}

type fileLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type fileStorage struct {
	Driver   string       `toml:"driver"`
	Path     string       `toml:"path"`
	Postgres filePostgres `toml:"postgres"`
}

type filePostgres struct {
	DSN                 string `toml:"dsn"`
	MaxConnections      int32  `toml:"max_connections"`
	MinConnections      int32  `toml:"min_connections"`
	MaxConnLifetime     string `toml:"max_conn_lifetime"`
	MaxConnIdleTime     string `toml:"max_conn_idle_time"`
	HealthCheckInterval string `toml:"health_check_interval"`
	AcquireTimeout      string `toml:"acquire_timeout"`
	ApplicationName     string `toml:"application_name"`
}

type fileRedis struct {
	Addrs                 []string `toml:"addrs"`
	MasterName            string   `toml:"master_name"`
	Username              string   `toml:"username"`
	Password              string   `toml:"password"`
	DB                    int      `toml:"db"`
	Prefix                string   `toml:"prefix"`
	PoolSize              int      `toml:"pool_size"`
	Timeout               string   `toml:"timeout"`
	TLSCAFile             string   `toml:"tls_ca_file"`
	TLSCertFile           string   `toml:"tls_cert_file"`
	TLSKeyFile            string   `toml:"tls_key_file"`
	TLSServerName         string   `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool     `toml:"tls_insecure_skip_verify"`
}

type fileAdmin struct {
	Addr            string `toml:"addr"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	RefreshInterval string `toml:"refresh_interval"`
}

// LoadFile overlays the keys present in the TOML file onto c. Keys absent
// from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}

	setString := func(dst *string, key, value string) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = strings.TrimSpace(value)
		}
	}
	setDuration := func(dst *time.Duration, key, value string) error {
		if !meta.IsDefined(strings.Split(key, ".")...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString(&c.ServerID, "server_id", raw.ServerID)
	setString(&c.Implementation, "implementation", raw.Implementation)
	setString(&c.Log.Level, "log.level", raw.Log.Level)
	setString(&c.Log.Format, "log.format", raw.Log.Format)

	setString(&c.Storage.Driver, "storage.driver", strings.ToLower(raw.Storage.Driver))
	setString(&c.Storage.Path, "storage.path", raw.Storage.Path)
	pg := raw.Storage.Postgres
	setString(&c.Storage.Postgres.DSN, "storage.postgres.dsn", pg.DSN)
	setString(&c.Storage.Postgres.ApplicationName, "storage.postgres.application_name", pg.ApplicationName)
	if meta.IsDefined("storage", "postgres", "max_connections") {
		c.Storage.Postgres.MaxConnections = pg.MaxConnections
	}
	if meta.IsDefined("storage", "postgres", "min_connections") {
		c.Storage.Postgres.MinConnections = pg.MinConnections
	}
	for _, d := range []struct {
		dst   *time.Duration
		key   string
		value string
	}{
		{&c.Storage.Postgres.MaxConnLifetime, "storage.postgres.max_conn_lifetime", pg.MaxConnLifetime},
		{&c.Storage.Postgres.MaxConnIdleTime, "storage.postgres.max_conn_idle_time", pg.MaxConnIdleTime},
		{&c.Storage.Postgres.HealthCheckInterval, "storage.postgres.health_check_interval", pg.HealthCheckInterval},
		{&c.Storage.Postgres.AcquireTimeout, "storage.postgres.acquire_timeout", pg.AcquireTimeout},
		{&c.Redis.Timeout, "redis.timeout", raw.Redis.Timeout},
		{&c.Admin.ShutdownTimeout, "admin.shutdown_timeout", raw.Admin.ShutdownTimeout},
		{&c.Admin.RefreshInterval, "admin.refresh_interval", raw.Admin.RefreshInterval},
	} {
		if err := setDuration(d.dst, d.key, d.value); err != nil {
			return err
		}
	}

	if meta.IsDefined("redis", "addrs") {
		c.Redis.Addrs = normalizeList(raw.Redis.Addrs)
	}
	setString(&c.Redis.MasterName, "redis.master_name", raw.Redis.MasterName)
	setString(&c.Redis.Username, "redis.username", raw.Redis.Username)
	if meta.IsDefined("redis", "password") {
		c.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		c.Redis.DB = raw.Redis.DB
	}
	setString(&c.Redis.Prefix, "redis.prefix", raw.Redis.Prefix)
	if meta.IsDefined("redis", "pool_size") {
		c.Redis.PoolSize = raw.Redis.PoolSize
	}
	setString(&c.Redis.TLSCAFile, "redis.tls_ca_file", raw.Redis.TLSCAFile)
	setString(&c.Redis.TLSCertFile, "redis.tls_cert_file", raw.Redis.TLSCertFile)
	setString(&c.Redis.TLSKeyFile, "redis.tls_key_file", raw.Redis.TLSKeyFile)
	setString(&c.Redis.TLSServerName, "redis.tls_server_name", raw.Redis.TLSServerName)
	if meta.IsDefined("redis", "tls_insecure_skip_verify") {
		c.Redis.TLSInsecureSkipVerify = raw.Redis.TLSInsecureSkipVerify
	}

	setString(&c.Admin.Addr, "admin.addr", raw.Admin.Addr)
	return nil
}

// ApplyEnv overlays CHANNELCTL_* variables. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		value, ok := lookup(EnvPrefix + name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	str := func(dst *string, name string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	var errs []error
	duration := func(dst *time.Duration, name string) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, set func(int)) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			set(n)
		}
	}

	str(&c.ServerID, "SERVER_ID")
	str(&c.Implementation, "IMPLEMENTATION")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")
	if v, ok := get("STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	str(&c.Storage.Path, "DATA")
	str(&c.Storage.Postgres.DSN, "POSTGRES_DSN")
	integer("POSTGRES_MAX_CONNS", func(n int) { c.Storage.Postgres.MaxConnections = int32(n) })
	integer("POSTGRES_MIN_CONNS", func(n int) { c.Storage.Postgres.MinConnections = int32(n) })
	duration(&c.Storage.Postgres.MaxConnLifetime, "POSTGRES_MAX_CONN_LIFETIME")
	duration(&c.Storage.Postgres.MaxConnIdleTime, "POSTGRES_MAX_CONN_IDLE")
	duration(&c.Storage.Postgres.HealthCheckInterval, "POSTGRES_HEALTH_INTERVAL")
	duration(&c.Storage.Postgres.AcquireTimeout, "POSTGRES_ACQUIRE_TIMEOUT")
	str(&c.Storage.Postgres.ApplicationName, "POSTGRES_APP_NAME")

	if v, ok := get("REDIS_ADDRS"); ok {
		c.Redis.Addrs = normalizeList(strings.Split(v, ","))
	}
	str(&c.Redis.MasterName, "REDIS_MASTER_NAME")
	str(&c.Redis.Username, "REDIS_USERNAME")
	str(&c.Redis.Password, "REDIS_PASSWORD")
	integer("REDIS_DB", func(n int) { c.Redis.DB = n })
	str(&c.Redis.Prefix, "REDIS_PREFIX")
	integer("REDIS_POOL_SIZE", func(n int) { c.Redis.PoolSize = n })
	duration(&c.Redis.Timeout, "REDIS_TIMEOUT")
	str(&c.Redis.TLSCAFile, "REDIS_TLS_CA")
	str(&c.Redis.TLSCertFile, "REDIS_TLS_CERT")
	str(&c.Redis.TLSKeyFile, "REDIS_TLS_KEY")
	str(&c.Redis.TLSServerName, "REDIS_TLS_SERVER_NAME")
	if v, ok := get("REDIS_TLS_SKIP_VERIFY"); ok {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREDIS_TLS_SKIP_VERIFY: %w", EnvPrefix, err))
		} else {
			c.Redis.TLSInsecureSkipVerify = skip
		}
	}

	str(&c.Admin.Addr, "ADMIN_ADDR")
	duration(&c.Admin.ShutdownTimeout, "ADMIN_SHUTDOWN_TIMEOUT")
	duration(&c.Admin.RefreshInterval, "STATS_REFRESH_INTERVAL")
	return errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
