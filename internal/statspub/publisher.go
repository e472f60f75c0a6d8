// Package statspub mirrors reloaded statistics snapshots into Redis so other
// processes can read them without touching the channel store.
package statspub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"channelctl/internal/models"
)

const (
	defaultPrefix = "channelctl"

	fieldCurrent  = "current"
	fieldTotal    = "total"
	fieldLoadedAt = "loaded_at"
)

// TLSConfig controls TLS behaviour for Redis connections.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config configures the Redis publisher.
type Config struct {
	Addr         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          TLSConfig
	Logger       *slog.Logger
}

// Mirror is a snapshot pair read back from Redis.
type Mirror struct {
	Current  models.Statistics
	Total    models.Statistics
	LoadedAt time.Time
}

// RedisPublisher writes the latest statistics pair of a server into one hash
// and announces the reload on a pub/sub channel.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New connects a publisher. Connections are established lazily by the
// client; use Ping to verify reachability.
func New(cfg Config) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}, nil
}

// HashKey returns the hash holding the mirror for serverID.
func (p *RedisPublisher) HashKey(serverID string) string {
	return fmt.Sprintf("%s:statistics:%s", p.prefix, serverID)
}

// Channel returns the pub/sub channel that announces reloads.
func (p *RedisPublisher) Channel() string {
	return p.prefix + ":statistics:reloaded"
}

// PublishStatistics stores both snapshots and the load time in a single HSET,
// then publishes the server id.
func (p *RedisPublisher) PublishStatistics(ctx context.Context, current, total models.Statistics, loadedAt time.Time) error {
	serverID := current.ServerID()
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal current statistics: %w", err)
	}
	totalJSON, err := json.Marshal(total)
	if err != nil {
		return fmt.Errorf("marshal total statistics: %w", err)
	}
	key := p.HashKey(serverID)
	if err := p.client.HSet(ctx, key,
		fieldCurrent, string(currentJSON),
		fieldTotal, string(totalJSON),
		fieldLoadedAt, loadedAt.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("write statistics hash %s: %w", key, err)
	}
	if err := p.client.Publish(ctx, p.Channel(), serverID).Err(); err != nil {
		return fmt.Errorf("announce statistics reload: %w", err)
	}
	p.logger.Debug("published statistics", "server_id", serverID, "key", key)
	return nil
}

// Fetch reads the mirror for serverID. ok is false when nothing has been
// published for it yet.
func (p *RedisPublisher) Fetch(ctx context.Context, serverID string) (mirror Mirror, ok bool, err error) {
	key := p.HashKey(serverID)
	fields, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Mirror{}, false, fmt.Errorf("read statistics hash %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Mirror{}, false, nil
	}
	if err := json.Unmarshal([]byte(fields[fieldCurrent]), &mirror.Current); err != nil {
		return Mirror{}, false, fmt.Errorf("decode current statistics: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[fieldTotal]), &mirror.Total); err != nil {
		return Mirror{}, false, fmt.Errorf("decode total statistics: %w", err)
	}
	if mirror.LoadedAt, err = time.Parse(time.RFC3339Nano, fields[fieldLoadedAt]); err != nil {
		return Mirror{}, false, fmt.Errorf("decode load time: %w", err)
	}
	return mirror, true, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
