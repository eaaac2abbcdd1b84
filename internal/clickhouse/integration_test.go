package clickhouse

import (
	"context"
	"testing"
	"time"

	chgo "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupClickHouseContainer starts a ClickHouse container and returns its HTTP
// base URI together with a native connection for assertions.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (string, driver.Conn) {
	t.Helper()

	container, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	httpPort, err := container.MappedPort(ctx, "8123/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped HTTP port: %v", err)
	}
	nativePort, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped native port: %v", err)
	}

	conn, err := chgo.Open(&chgo.Options{
		Addr: []string{host + ":" + nativePort.Port()},
		Auth: chgo.Auth{Database: "default", Username: "default"},
	})
	if err != nil {
		t.Fatalf("Failed to open native connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping ClickHouse: %v", err)
	}
	return "http://" + host + ":" + httpPort.Port(), conn
}

func TestClickHouse_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	uri, conn := setupClickHouseContainer(ctx, t)

	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS logs (
			message String,
			level Nullable(String),
			tag String,
			ts DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY ts
	`)
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	cfg := testConfig(uri)
	cfg.Database = "default"
	cfg.User = "default"
	cfg.Password = ""
	cfg.ErrorResponseAsUnrecoverable = true

	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	chunk := []byte(
		`{"message":"hello","tag":"app","ts":1700000000123,"unknown":1}` + "\n" +
			`{"message":"world","tag":"app","ts":1700000000456}` + "\n")
	out := c.Send(ctx, chunk, "logs")
	if out.Result != Success {
		t.Fatalf("Send result = %s (%d): %s", out.Result, out.StatusCode, out.Message)
	}

	var count uint64
	if err := conn.QueryRow(ctx, "SELECT count() FROM logs WHERE tag = 'app'").Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 rows, got %d", count)
	}

	out = c.Send(ctx, chunk, "missing_table")
	if out.Result != Unrecoverable {
		t.Errorf("insert into missing table: got %s, want unrecoverable", out.Result)
	}
}
