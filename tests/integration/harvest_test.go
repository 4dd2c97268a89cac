//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/fut-harvester/internal/app"
	"github.com/Sternrassler/fut-harvester/internal/testutil"
	"github.com/Sternrassler/fut-harvester/pkg/config"
	"github.com/Sternrassler/fut-harvester/pkg/progress"
	"github.com/Sternrassler/fut-harvester/pkg/sink"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
}

// setupRedis creates a Redis container and returns its address.
func setupRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return host + ":" + port.Port()
}

// setupPostgres creates a Postgres container and returns its DSN.
func setupPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "harvest",
			"POSTGRES_PASSWORD": "harvest",
			"POSTGRES_DB":       "harvest",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("postgres://harvest:harvest@%s:%s/harvest?sslmode=disable", host, port.Port())
}

// TestRedisProgressStore exercises cursors and completed ids against a real server.
func TestRedisProgressStore(t *testing.T) {
	addr := setupRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	store := progress.NewRedisStore(client, "it", testLogger())

	if err := store.SaveCursor(ctx, "top", 5); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if err := store.MarkCompleted(ctx, "1", "2"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := store.SaveCursor(ctx, "top", 4); err == nil {
		t.Error("SaveCursor() should refuse to move backwards")
	}

	// a fresh store sees the same state
	record, err := progress.NewRedisStore(client, "it", testLogger()).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if record.Cursor("top") != 5 {
		t.Errorf("Cursor(top) = %d, want 5", record.Cursor("top"))
	}
	if !record.IsCompleted("1") || !record.IsCompleted("2") {
		t.Errorf("completed = %v, want 1 and 2", record.CompletedIDs())
	}
}

// TestPostgresWriter upserts the same ids twice and checks only changed rows move.
func TestPostgresWriter(t *testing.T) {
	dsn := setupPostgres(t)
	ctx := context.Background()

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	if err := sink.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	w := sink.NewPostgresWriter[json.RawMessage](db, "items", "run-1")
	first := []sink.Entry[json.RawMessage]{
		{ID: "1", Payload: json.RawMessage(`{"id":1,"v":1}`)},
		{ID: "2", Payload: json.RawMessage(`{"id":2,"v":1}`)},
	}
	if err := w.Write(ctx, first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	w2 := sink.NewPostgresWriter[json.RawMessage](db, "items", "run-2")
	second := []sink.Entry[json.RawMessage]{
		first[0],
		{ID: "2", Payload: json.RawMessage(`{"id":2,"v":2}`)},
	}
	if err := w2.Write(ctx, second); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	var rows int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM harvest_results WHERE job = 'items'`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 2 {
		t.Errorf("rows = %d, want 2", rows)
	}

	var runID string
	var v int
	err = db.QueryRow(ctx, `SELECT run_id, (payload->>'v')::int FROM harvest_results WHERE job = 'items' AND item_id = '2'`).Scan(&runID, &v)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if runID != "run-2" || v != 2 {
		t.Errorf("row 2 = (%s, %d), want (run-2, 2)", runID, v)
	}

	err = db.QueryRow(ctx, `SELECT run_id FROM harvest_results WHERE job = 'items' AND item_id = '1'`).Scan(&runID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("unchanged row run_id = %s, want run-1", runID)
	}
}

// TestItemsJob_RedisAndPostgres runs the items job end to end with both backends.
func TestItemsJob_RedisAndPostgres(t *testing.T) {
	redisAddr := setupRedis(t)
	dsn := setupPostgres(t)

	mock := testutil.NewMockSource()
	defer mock.Close()
	for i := 1; i <= 7; i++ {
		mock.SetResponse(fmt.Sprintf("/api/%d/", i), testutil.NewJSONResponse(fmt.Sprintf(`{"id":%d}`, i)))
	}
	mock.SetResponse("/api/5/", testutil.NewServerErrorResponse())

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LogLevel = "warn"
	cfg.RedisAddr = redisAddr
	cfg.PostgresDSN = dsn
	cfg.ItemURL = mock.URL() + "/api/{id}/"
	cfg.Concurrency = 3
	cfg.MaxRetries = 1
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.BatchDelay = 10 * time.Millisecond
	cfg.RecycleEveryWindows = 1

	ctx := context.Background()
	a, err := app.New(ctx, "harvest-items", cfg)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	defer a.Close()

	ids, _ := json.Marshal([]int{1, 2, 3, 4, 5, 6, 7})
	if err := os.WriteFile(cfg.Path(app.IDsFile), ids, 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := app.RunItems(ctx, a)
	if err != nil {
		t.Fatalf("RunItems() error = %v", err)
	}
	if summary.Completed != 6 || summary.Exhausted != 1 {
		t.Errorf("summary = %+v, want 6 completed, 1 exhausted", summary)
	}

	members, err := a.Redis.SMembers(ctx, cfg.RedisPrefix+":harvest-items:"+progress.RedisKeyCompleted).Result()
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 6 {
		t.Errorf("completed set = %v, want 6 ids", members)
	}

	var rows int
	if err := a.Postgres.QueryRow(ctx, `SELECT count(*) FROM harvest_results WHERE job = 'harvest-items'`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 6 {
		t.Errorf("postgres rows = %d, want 6", rows)
	}
}
