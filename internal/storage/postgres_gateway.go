package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"channelctl/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

// PostgresGateway stores the registry in Postgres. Each session pins one
// pooled connection and opens a transaction lazily on first use.
type PostgresGateway struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger
}

// NewPostgresGateway opens a Postgres-backed gateway. The caller must ensure
// the migrations in deploy/migrations have been applied (see Migrate).
func NewPostgresGateway(dsn string, opts ...Option) (*PostgresGateway, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresGateway{pool: pool, cfg: cfg, logger: cfg.Logger}, nil
}

func (g *PostgresGateway) Close(ctx context.Context) error {
	if g == nil || g.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		g.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies a connection can be acquired and used.
func (g *PostgresGateway) Ping(ctx context.Context) error {
	return g.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return unavailable("ping", err)
		}
		return nil
	})
}

func (g *PostgresGateway) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if g == nil || g.pool == nil {
		return nil, unavailable("acquire session", puddle.ErrClosedPool)
	}
	acquireCtx := ctx
	if g.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := g.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, unavailable("acquire session", err)
	}
	return conn, nil
}

func (g *PostgresGateway) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	conn, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (g *PostgresGateway) Acquire(ctx context.Context) (Session, error) {
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresSession{conn: conn, logger: g.logger}, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) error {
	if tx == nil {
		return nil
	}
	err := tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// isConnectivityError distinguishes a broken connection or pool from a
// statement the server rejected.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, puddle.ErrClosedPool) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

func classifyWrite(op string, err error) error {
	if isConnectivityError(err) {
		return unavailable(op, err)
	}
	return mutationFailed(op, err)
}

type postgresSession struct {
	conn   *pgxpool.Conn
	tx     pgx.Tx
	logger *slog.Logger
}

func (s *postgresSession) begin(ctx context.Context, op string) (pgx.Tx, error) {
	if s.conn == nil {
		return nil, unavailable(op, errSessionClosed)
	}
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("begin transaction: %w", err))
	}
	s.tx = tx
	return tx, nil
}

func (s *postgresSession) exec(ctx context.Context, op, sql string, args ...any) error {
	tx, err := s.begin(ctx, op)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return classifyWrite(op, err)
	}
	return nil
}

const localIDSubquery = `(SELECT local_channel_id FROM channels WHERE channel_id = $1)`

func (s *postgresSession) RemoveChannel(ctx context.Context, channelID string) error {
	if err := s.exec(ctx, "remove channel messages", `DELETE FROM messages WHERE local_channel_id = `+localIDSubquery, channelID); err != nil {
		return err
	}
	if err := s.exec(ctx, "remove channel statistics", `DELETE FROM message_statistics WHERE local_channel_id = `+localIDSubquery, channelID); err != nil {
		return err
	}
	return s.exec(ctx, "remove channel", `DELETE FROM channels WHERE channel_id = $1`, channelID)
}

func (s *postgresSession) DeleteAllMessages(ctx context.Context, channelID string) error {
	return s.exec(ctx, "delete all messages", `DELETE FROM messages WHERE local_channel_id = `+localIDSubquery, channelID)
}

func (s *postgresSession) LocalChannelIDs(ctx context.Context) (map[string]int64, error) {
	const op = "list local channel ids"
	tx, err := s.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT channel_id, local_channel_id FROM channels`)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var (
			channelID string
			localID   int64
		)
		if err := rows.Scan(&channelID, &localID); err != nil {
			return nil, unavailable(op, fmt.Errorf("scan channel: %w", err))
		}
		ids[channelID] = localID
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return ids, nil
}

func (s *postgresSession) MaxLocalChannelID(ctx context.Context) (int64, bool, error) {
	const op = "select max local channel id"
	tx, err := s.begin(ctx, op)
	if err != nil {
		return 0, false, err
	}
	var highest *int64
	err = tx.QueryRow(ctx, `
SELECT GREATEST(
        (SELECT MAX(local_channel_id) FROM channels),
        (SELECT high_water_mark FROM channel_id_sequence WHERE singleton)
)`).Scan(&highest)
	if err != nil {
		return 0, false, unavailable(op, err)
	}
	if highest == nil {
		return 0, false, nil
	}
	return *highest, true, nil
}

func (s *postgresSession) CreateChannel(ctx context.Context, channelID string, localChannelID int64) error {
	if err := s.exec(ctx, "create channel", `INSERT INTO channels (channel_id, local_channel_id) VALUES ($1, $2)`, channelID, localChannelID); err != nil {
		return err
	}
	return s.exec(ctx, "advance channel id sequence", `
INSERT INTO channel_id_sequence (singleton, high_water_mark) VALUES (TRUE, $1)
ON CONFLICT (singleton) DO UPDATE SET high_water_mark = GREATEST(channel_id_sequence.high_water_mark, EXCLUDED.high_water_mark)
`, localChannelID)
}

func (s *postgresSession) ChannelStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	return s.statistics(ctx, "load channel statistics", serverID, "received", "filtered", "sent", "error")
}

func (s *postgresSession) ChannelTotalStatistics(ctx context.Context, serverID string) (models.Statistics, error) {
	return s.statistics(ctx, "load channel total statistics", serverID, "received_lifetime", "filtered_lifetime", "sent_lifetime", "error_lifetime")
}

func (s *postgresSession) statistics(ctx context.Context, op, serverID, received, filtered, sent, failed string) (models.Statistics, error) {
	tx, err := s.begin(ctx, op)
	if err != nil {
		return models.Statistics{}, err
	}
	query := fmt.Sprintf(`
SELECT c.channel_id, s.metadata_id, s.%s, s.%s, s.%s, s.%s
FROM message_statistics s
JOIN channels c ON c.local_channel_id = s.local_channel_id
WHERE s.server_id = $1
ORDER BY c.channel_id, s.metadata_id
`, received, filtered, sent, failed)
	rows, err := tx.Query(ctx, query, serverID)
	if err != nil {
		return models.Statistics{}, unavailable(op, err)
	}
	defer rows.Close()

	builder := models.NewStatisticsBuilder(serverID)
	for rows.Next() {
		var (
			channelID                           string
			metaDataID                          int
			receivedN, filteredN, sentN, errorN int64
		)
		if err := rows.Scan(&channelID, &metaDataID, &receivedN, &filteredN, &sentN, &errorN); err != nil {
			return models.Statistics{}, unavailable(op, fmt.Errorf("scan statistics: %w", err))
		}
		id := models.MetaDataID(metaDataID)
		builder.Set(channelID, id, models.StatusReceived, receivedN).
			Set(channelID, id, models.StatusFiltered, filteredN).
			Set(channelID, id, models.StatusSent, sentN).
			Set(channelID, id, models.StatusError, errorN)
	}
	if err := rows.Err(); err != nil {
		return models.Statistics{}, unavailable(op, err)
	}
	return builder.Build(), nil
}

var statusColumns = map[models.Status]string{
	models.StatusReceived: "received",
	models.StatusFiltered: "filtered",
	models.StatusSent:     "sent",
	models.StatusError:    "error",
}

func (s *postgresSession) ResetStatistics(ctx context.Context, channelID string, metaDataID models.MetaDataID, statuses []models.Status) error {
	assignments := make([]string, 0, len(statuses))
	seen := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		column, ok := statusColumns[status]
		if !ok {
			return mutationFailed("reset statistics", fmt.Errorf("status %s has no counter", status))
		}
		if _, dup := seen[column]; dup {
			continue
		}
		seen[column] = struct{}{}
		assignments = append(assignments, column+" = 0")
	}
	if len(assignments) == 0 {
		return nil
	}
	query := `UPDATE message_statistics SET ` + strings.Join(assignments, ", ") + ` WHERE local_channel_id = ` + localIDSubquery
	if metaDataID == models.AllConnectors {
		return s.exec(ctx, "reset statistics", query, channelID)
	}
	return s.exec(ctx, "reset statistics", query+` AND metadata_id = $2`, channelID, int(metaDataID))
}

func (s *postgresSession) ResetAllStatistics(ctx context.Context, channelID string) error {
	return s.exec(ctx, "reset all statistics", `
UPDATE message_statistics SET
        received = 0, received_lifetime = 0,
        filtered = 0, filtered_lifetime = 0,
        sent = 0, sent_lifetime = 0,
        error = 0, error_lifetime = 0
WHERE local_channel_id = `+localIDSubquery, channelID)
}

func (s *postgresSession) Commit(ctx context.Context) error {
	if s.conn == nil {
		return unavailable("commit", errSessionClosed)
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return classifyWrite("commit", err)
	}
	return nil
}

func (s *postgresSession) Close() error {
	if s.conn == nil {
		return nil
	}
	var err error
	if s.tx != nil {
		if err = rollbackTx(context.Background(), s.tx); err != nil {
			s.logger.Warn("rollback postgres session", "error", err)
		}
		s.tx = nil
	}
	s.conn.Release()
	s.conn = nil
	return err
}

var _ Gateway = (*PostgresGateway)(nil)
