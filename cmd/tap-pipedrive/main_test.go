package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sternrassler/tap-pipedrive/internal/testutil"
)

func writeConfig(t *testing.T, mock *testutil.MockPipedrive, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	body := fmt.Sprintf(`{
	"client_id": "client",
	"client_secret": "secret",
	"refresh_token": "refresh-0",
	"user_agent": "tap-pipedrive-test",
	"start_date": "2024-01-01T00:00:00Z",
	"api_url": %q,
	"auth_url": %q%s
}`, mock.APIURL(), mock.AuthURL(), extra)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(prometheus.NewRegistry())
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type message struct {
	Type   string          `json:"type"`
	Stream string          `json:"stream"`
	Value  json.RawMessage `json:"value"`
}

func parseMessages(t *testing.T, out string) []message {
	t.Helper()
	var msgs []message
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var m message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("stdout line is not a Singer message: %q", scanner.Text())
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func newFeedMock(t *testing.T) (*testutil.MockPipedrive, *string) {
	t.Helper()
	mock := testutil.NewMockPipedrive()
	t.Cleanup(mock.Close)

	since := new(string)
	mock.SetHandler("/v1/recents", func(w http.ResponseWriter, r *http.Request) {
		*since = r.URL.Query().Get("since_timestamp")
		w.Write([]byte(testutil.RecentsPage(0, false, 0,
			testutil.RecentsItem("person", 1, "2024-01-10 10:00:00", `{"id":1,"name":"Ada","update_time":"2024-01-10 10:00:00"}`),
		)))
	})
	return mock, since
}

func TestRun_SingerBackendResumesFromStateFile(t *testing.T) {
	mock, since := newFeedMock(t)
	configPath := writeConfig(t, mock, "")

	statePath := filepath.Join(t.TempDir(), "state.json")
	seed := `{"bookmarks":{"recents":"2024-01-05 00:00:00"}}`
	if err := os.WriteFile(statePath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}

	stdout, stderr, err := execute(t, "--config", configPath, "--state", statePath)
	if err != nil {
		t.Fatalf("execute: %v\nstderr: %s", err, stderr)
	}

	if *since != "2024-01-05 00:00:00" {
		t.Errorf("since_timestamp = %q, want the bookmark", *since)
	}

	msgs := parseMessages(t, stdout)
	if len(msgs) < 3 {
		t.Fatalf("got %d messages, want at least 3:\n%s", len(msgs), stdout)
	}
	if msgs[0].Type != "STATE" {
		t.Errorf("first message = %s, want STATE", msgs[0].Type)
	}

	records := 0
	for _, m := range msgs {
		if m.Type == "RECORD" {
			records++
			if m.Stream != "person" {
				t.Errorf("record stream = %q, want person", m.Stream)
			}
		}
	}
	if records != 1 {
		t.Errorf("records = %d, want 1", records)
	}

	last := msgs[len(msgs)-1]
	if last.Type != "STATE" {
		t.Fatalf("last message = %s, want STATE", last.Type)
	}
	var final struct {
		CurrentlySyncing string            `json:"currently_syncing"`
		Bookmarks        map[string]string `json:"bookmarks"`
	}
	if err := json.Unmarshal(last.Value, &final); err != nil {
		t.Fatalf("decode final state: %v", err)
	}
	if final.Bookmarks["recents"] != "2024-01-10 10:00:00" {
		t.Errorf("final bookmark = %q", final.Bookmarks["recents"])
	}
	if final.CurrentlySyncing != "" {
		t.Errorf("currently_syncing = %q, want cleared", final.CurrentlySyncing)
	}

	data, _ := os.ReadFile(statePath)
	if string(data) != seed {
		t.Errorf("singer backend must not rewrite the state file, got %s", data)
	}
	if strings.Contains(stdout, "Sync completed") {
		t.Error("logs must not be written to stdout")
	}
	if !strings.Contains(stderr, "Sync completed") {
		t.Errorf("expected completion log on stderr, got %s", stderr)
	}
}

func TestRun_FileBackendPersists(t *testing.T) {
	mock, since := newFeedMock(t)
	configPath := writeConfig(t, mock, "")
	statePath := filepath.Join(t.TempDir(), "state.json")

	_, stderr, err := execute(t, "--config", configPath, "--state", statePath, "--state-backend", "file")
	if err != nil {
		t.Fatalf("execute: %v\nstderr: %s", err, stderr)
	}
	if *since != "2024-01-01 00:00:00" {
		t.Errorf("since_timestamp = %q, want start_date", *since)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var persisted struct {
		Bookmarks map[string]string `json:"bookmarks"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if persisted.Bookmarks["recents"] != "2024-01-10 10:00:00" {
		t.Errorf("persisted bookmark = %q", persisted.Bookmarks["recents"])
	}
}

func TestRun_SQLiteBackendFromConfig(t *testing.T) {
	mock, _ := newFeedMock(t)
	dbPath := filepath.Join(t.TempDir(), "state.db")
	configPath := writeConfig(t, mock, fmt.Sprintf(`,
	"state_backend": "sqlite",
	"sqlite_path": %q`, dbPath))

	if _, stderr, err := execute(t, "--config", configPath); err != nil {
		t.Fatalf("first run: %v\nstderr: %s", err, stderr)
	}

	// The second run resumes from the bookmark stored in SQLite.
	mock2, since := newFeedMock(t)
	configPath2 := writeConfig(t, mock2, fmt.Sprintf(`,
	"state_backend": "sqlite",
	"sqlite_path": %q`, dbPath))
	if _, stderr, err := execute(t, "--config", configPath2); err != nil {
		t.Fatalf("second run: %v\nstderr: %s", err, stderr)
	}
	if *since != "2024-01-10 10:00:00" {
		t.Errorf("second run since_timestamp = %q, want stored bookmark", *since)
	}
}

func TestRun_Errors(t *testing.T) {
	mock := testutil.NewMockPipedrive()
	defer mock.Close()

	missingKeys := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(missingKeys, []byte("client_id: c\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{
			name:     "no config",
			args:     []string{},
			contains: "--config is required",
		},
		{
			name:     "missing file",
			args:     []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")},
			contains: "read config",
		},
		{
			name:     "missing keys",
			args:     []string{"--config", missingKeys},
			contains: "missing required config keys",
		},
		{
			name:     "unknown backend",
			args:     []string{"--config", writeConfig(t, mock, ""), "--state-backend", "etcd"},
			contains: "state backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error = %v, want it to contain %q", err, tt.contains)
			}
			if !strings.Contains(stderr, "tap-pipedrive:") {
				t.Errorf("error should be reported on stderr, got %q", stderr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TAP_PIPEDRIVE_TEST_VALUE", "set")
	t.Setenv("TAP_PIPEDRIVE_TEST_BOOL", "true")

	if got := getEnv("TAP_PIPEDRIVE_TEST_VALUE", "default"); got != "set" {
		t.Errorf("getEnv = %q, want set", got)
	}
	if got := getEnv("TAP_PIPEDRIVE_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv = %q, want default", got)
	}
	if !getEnvBool("TAP_PIPEDRIVE_TEST_BOOL", false) {
		t.Error("getEnvBool = false, want true")
	}
	if !getEnvBool("TAP_PIPEDRIVE_TEST_UNSET", true) {
		t.Error("getEnvBool should fall back to the default")
	}
}
