package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kimhsiao/routinesync/internal/remote"
	"github.com/kimhsiao/routinesync/internal/remote/server"
	syncpkg "github.com/kimhsiao/routinesync/internal/sync"
)

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "routinesync.toml")
	content := fmt.Sprintf(`
[remote]
base_url = %q
timeout = "2s"

[storage]
driver = "file"
path = %q

[sync]
realtime = false

[log]
level = "error"
`, baseURL, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOfflineCommandsQueueChanges(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := run(t, "--config", cfg, "--offline", "create", "Fall Schedule", "--semester", "2026-fall")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "created tmp-") || !strings.Contains(out, "1 change(s) queued") {
		t.Errorf("create output = %q", out)
	}

	out, err = run(t, "--config", cfg, "--offline", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Fall Schedule [2026-fall]") {
		t.Errorf("list output = %q", out)
	}

	out, err = run(t, "--config", cfg, "--offline", "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, "create-routine") {
		t.Errorf("pending output = %q", out)
	}
}

func TestOnlineCreateReachesServer(t *testing.T) {
	svc := remote.NewMemoryService()
	srv := server.New(svc)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := writeConfig(t, ts.URL)

	out, err := run(t, "--config", cfg, "create", "Spring")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if strings.Contains(out, "tmp-") || strings.Contains(out, "queued") {
		t.Errorf("online create should not queue, output = %q", out)
	}
	if n := len(svc.Snapshot().Routines); n != 1 {
		t.Fatalf("server has %d routines, want 1", n)
	}

	id := svc.Snapshot().Routines[0].ID
	if _, err := run(t, "--config", cfg, "slot", "add", id, "--day", "wed", "--start", "09:00", "--end", "10:00"); err != nil {
		t.Fatalf("slot add: %v", err)
	}
	if n := len(svc.Snapshot().Routines[0].Slots); n != 1 {
		t.Errorf("server routine has %d slots, want 1", n)
	}

	out, err = run(t, "--config", cfg, "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, "sync complete") {
		t.Errorf("sync output = %q", out)
	}
}

func TestExportCommand(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")
	if _, err := run(t, "--config", cfg, "--offline", "create", "Labs"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "labs.xlsx")
	out, err := run(t, "--config", cfg, "--offline", "export", path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "1 routines") {
		t.Errorf("export output = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("export file missing: %v", err)
	}

	if _, err := run(t, "--config", cfg, "--offline", "export", path, "--format", "pdf"); err == nil {
		t.Error("export should reject an unknown format")
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "routinesync.toml")

	if _, err := run(t, "--config", path, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := run(t, "--config", path, "config", "init"); err == nil {
		t.Error("config init should refuse to overwrite")
	}
	if _, err := run(t, "--config", path, "config", "init", "--force"); err != nil {
		t.Errorf("config init --force: %v", err)
	}

	out, err := run(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"[storage]", "sqlite", "heartbeat_interval", "30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show output missing %q:\n%s", want, out)
		}
	}
}

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"6", 6, false},
		{"7", 0, true},
		{"mon", 1, false},
		{"Wednesday", 3, false},
		{" SAT ", 6, false},
		{"tu", 0, true},
		{"noday", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDay(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDay(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestStateLine(t *testing.T) {
	s := syncpkg.Snapshot{IsOffline: true, PendingCount: 2}
	if got := stateLine(s); got != "offline routines=0 pending=2" {
		t.Errorf("stateLine() = %q", got)
	}
	if got := dayName(0); got != "Sun" {
		t.Errorf("dayName(0) = %q", got)
	}
}
