//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func startEphemeralPostgres(t *testing.T) (string, func()) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("CHANNELCTL_TEST_POSTGRES_DSN not set and docker unavailable")
	}

	user := envOr("CHANNELCTL_TEST_POSTGRES_USER", "channelctl")
	password := envOr("CHANNELCTL_TEST_POSTGRES_PASSWORD", "channelctl")
	db := envOr("CHANNELCTL_TEST_POSTGRES_DB", "channelctl_test")
	port := envOr("CHANNELCTL_TEST_POSTGRES_PORT", "54331")
	image := envOr("CHANNELCTL_TEST_POSTGRES_IMAGE", "postgres:15-alpine")

	containerName := fmt.Sprintf("channelctl-postgres-test-%d", time.Now().UnixNano())
	args := []string{
		"run",
		"--rm",
		"--detach",
		"--name", containerName,
		"--publish", fmt.Sprintf("%s:5432", port),
		"--env", fmt.Sprintf("POSTGRES_USER=%s", user),
		"--env", fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
		"--env", fmt.Sprintf("POSTGRES_DB=%s", db),
		"--health-cmd", fmt.Sprintf("pg_isready -U %s -d %s", user, db),
		"--health-interval", "2s",
		"--health-timeout", "5s",
		"--health-retries", "15",
		image,
	}
	if output, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Skipf("start postgres container: %v: %s", err, string(output))
	}

	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	}

	deadline := time.Now().Add(60 * time.Second)
	for {
		output, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", containerName).CombinedOutput()
		status := strings.TrimSpace(string(output))
		if err == nil && status == "healthy" {
			break
		}
		if status == "unhealthy" || time.Now().After(deadline) {
			logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
			cleanup()
			t.Fatalf("postgres container did not become healthy (%s): %s", status, string(logs))
		}
		time.Sleep(time.Second)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db)
	return dsn, cleanup
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func migrationsDirForTest(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("determine repository root: runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(filename), "..", "..", "deploy", "migrations")
}

// postgresGatewayFactory opens a migrated, empty Postgres gateway. It uses
// CHANNELCTL_TEST_POSTGRES_DSN when set and otherwise starts a throwaway
// container for the test. The returned pool is a separate connection for
// seeding and assertions.
func postgresGatewayFactory(t *testing.T, opts ...Option) (*PostgresGateway, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("CHANNELCTL_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		var dockerCleanup func()
		dsn, dockerCleanup = startEphemeralPostgres(t)
		t.Cleanup(dockerCleanup)
	}

	ctx := context.Background()
	gateway, err := NewPostgresGateway(dsn, opts...)
	if err != nil {
		t.Fatalf("open postgres gateway: %v", err)
	}
	if _, err := gateway.Migrate(ctx, migrationsDirForTest(t)); err != nil {
		_ = gateway.Close(ctx)
		t.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = gateway.Close(ctx)
		t.Fatalf("open assertion pool: %v", err)
	}
	if err := truncatePostgresTablesForTest(ctx, pool); err != nil {
		pool.Close()
		_ = gateway.Close(ctx)
		t.Fatalf("truncate tables: %v", err)
	}

	t.Cleanup(func() {
		if err := truncatePostgresTablesForTest(context.Background(), pool); err != nil {
			t.Errorf("truncate tables: %v", err)
		}
		pool.Close()
		if err := gateway.Close(context.Background()); err != nil {
			t.Errorf("close gateway: %v", err)
		}
	})
	return gateway, pool
}

func truncatePostgresTablesForTest(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE message_statistics, messages, channels, channel_id_sequence")
	return err
}

func seedStatisticsForTest(t *testing.T, pool *pgxpool.Pool, channelID, serverID string, metaDataID int, current, lifetime [4]int64) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
INSERT INTO message_statistics (local_channel_id, metadata_id, server_id,
        received, filtered, sent, error,
        received_lifetime, filtered_lifetime, sent_lifetime, error_lifetime)
VALUES ((SELECT local_channel_id FROM channels WHERE channel_id = $1), $2, $3,
        $4, $5, $6, $7, $8, $9, $10, $11)`,
		channelID, metaDataID, serverID,
		current[0], current[1], current[2], current[3],
		lifetime[0], lifetime[1], lifetime[2], lifetime[3],
	)
	if err != nil {
		t.Fatalf("seed statistics for %s/%d: %v", channelID, metaDataID, err)
	}
}

func seedMessageForTest(t *testing.T, pool *pgxpool.Pool, channelID string, messageID int64, serverID string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
INSERT INTO messages (local_channel_id, message_id, server_id)
VALUES ((SELECT local_channel_id FROM channels WHERE channel_id = $1), $2, $3)`,
		channelID, messageID, serverID)
	if err != nil {
		t.Fatalf("seed message for %s: %v", channelID, err)
	}
}

func countRowsForTest(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}
