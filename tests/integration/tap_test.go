//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/tap-pipedrive/internal/testutil"
	"github.com/Sternrassler/tap-pipedrive/pkg/auth"
	"github.com/Sternrassler/tap-pipedrive/pkg/client"
	"github.com/Sternrassler/tap-pipedrive/pkg/state"
	"github.com/Sternrassler/tap-pipedrive/pkg/tap"
)

// setupRedis starts a Redis container and returns its address.
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

type collectingSink struct {
	mu      sync.Mutex
	streams []string
}

func (s *collectingSink) Emit(_ context.Context, stream string, _ map[string]any, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, stream)
	return nil
}

func runTap(t *testing.T, mock *testutil.MockPipedrive, store state.Store) (*collectingSink, tap.Summary, error) {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	tokens := auth.NewManager(auth.Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh-0",
	}, auth.Config{AuthURL: mock.AuthURL()}, logger)

	cfg := client.DefaultConfig("tap-pipedrive-integration")
	cfg.BaseURL = mock.APIURL()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	api, err := client.New(cfg, tokens)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	out := &collectingSink{}
	tp, err := tap.New(tap.Deps{API: api, Credentials: tokens, Sink: out, Store: store},
		tap.Config{StartDate: "2024-01-01", BatchSize: 1}, logger)
	if err != nil {
		t.Fatalf("tap.New: %v", err)
	}

	summary, err := tp.Run(context.Background())
	return out, summary, err
}

// TestResumeAfterFailure interrupts a run on a missing second page, then
// resumes from the bookmark stored in Redis.
func TestResumeAfterFailure(t *testing.T) {
	addr := setupRedis(t)
	ctx := context.Background()

	store, err := state.Open(ctx, state.Options{Backend: state.BackendRedis, RedisAddr: addr})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	first := testutil.NewMockPipedrive()
	defer first.Close()
	first.SetRecentsPages(map[int]string{
		0: testutil.RecentsPage(0, true, 200,
			testutil.RecentsItem("person", 1, "2024-01-10 10:00:00", `{"id":1,"update_time":"2024-01-10 10:00:00"}`),
			testutil.RecentsItem("note", 2, "2024-01-11 10:00:00", `{"id":2,"update_time":"2024-01-11 10:00:00"}`),
		),
	})

	_, _, err = runTap(t, first, store)
	if !errors.Is(err, client.ErrRetryExhausted) || client.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("first run error = %v, want exhausted retries on a 404 page", err)
	}

	saved, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := saved.Bookmark("recents", ""); got != "2024-01-11 10:00:00" {
		t.Fatalf("bookmark after failure = %q, want 2024-01-11 10:00:00", got)
	}
	if saved.CurrentlySyncing != "recents" {
		t.Errorf("currently_syncing = %q, want recents", saved.CurrentlySyncing)
	}

	second := testutil.NewMockPipedrive()
	defer second.Close()
	var since string
	second.SetHandler("/v1/recents", func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("since_timestamp")
		w.Write([]byte(testutil.RecentsPage(0, false, 0,
			testutil.RecentsItem("note", 2, "2024-01-11 10:00:00", `{"id":2,"update_time":"2024-01-11 10:00:00"}`),
			testutil.RecentsItem("person", 3, "2024-01-12 10:00:00", `{"id":3,"update_time":"2024-01-12 10:00:00"}`),
		)))
	})

	out, summary, err := runTap(t, second, store)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if since != "2024-01-11 10:00:00" {
		t.Errorf("resumed since_timestamp = %q, want stored bookmark", since)
	}
	if summary.Records["recents"] != 2 || len(out.streams) != 2 {
		t.Errorf("second run emitted %v (%d records)", out.streams, summary.Records["recents"])
	}

	final, _ := store.Load(ctx)
	if got := final.Bookmark("recents", ""); got != "2024-01-12 10:00:00" {
		t.Errorf("final bookmark = %q", got)
	}
	if final.CurrentlySyncing != "" {
		t.Errorf("currently_syncing = %q, want cleared", final.CurrentlySyncing)
	}
	if second.GetRefreshCount() != 1 {
		t.Errorf("RefreshCount = %d, want 1", second.GetRefreshCount())
	}
}

// TestRedisStoreSurvivesReconnect persists through one client and reads
// through another.
func TestRedisStoreSurvivesReconnect(t *testing.T) {
	addr := setupRedis(t)
	ctx := context.Background()

	writer, err := state.OpenRedisStore(ctx, addr, "", 0, "tap:test")
	if err != nil {
		t.Fatalf("OpenRedisStore: %v", err)
	}
	s := state.New()
	s.SetBookmark("recents", "2024-05-01 08:00:00")
	if err := writer.Persist(ctx, s); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	writer.Close()

	reader, err := state.OpenRedisStore(ctx, addr, "", 0, "tap:test")
	if err != nil {
		t.Fatalf("OpenRedisStore: %v", err)
	}
	defer reader.Close()

	loaded, err := reader.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.Bookmark("recents", ""); got != "2024-05-01 08:00:00" {
		t.Errorf("bookmark = %q, want 2024-05-01 08:00:00", got)
	}
}
