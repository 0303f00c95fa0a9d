//go:build integration

package daemon

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

const list = "! Title: Example\n||ads.example.com^\n"

func TestDaemon_UpdatesAndShutsDown(t *testing.T) {
	h := NewHarness(t)
	h.Upstream.SetList("a.txt", list)
	h.Start(h.WriteConfig(""))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	path, err := h.GitHub.WaitForPut(ctx)
	if err != nil {
		t.Fatalf("no update pushed: %v", err)
	}
	if path != "raw/a.txt" {
		t.Errorf("unexpected path %q", path)
	}

	h.WaitForLog("Updated 'a.txt' successfully", 10*time.Second)

	// The daemon is now in its idle pause; one signal must end it promptly.
	h.Signal(syscall.SIGTERM)
	if code := h.WaitExit(10 * time.Second); code != 0 {
		t.Errorf("expected clean exit, got status %d", code)
	}

	out := h.Output()
	for _, want := range []string{"Shutdown initiated", "Shutdown completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
	if strings.Contains(out, "integration-secret") {
		t.Error("secret leaked into daemon output")
	}
}

func TestDaemon_LockedEntryIsSkipped(t *testing.T) {
	h := NewHarness(t)
	h.Upstream.SetLocks("# frozen\na.txt\n")
	h.Upstream.SetList("a.txt", list)
	h.Start(h.WriteConfig(""))

	h.WaitForLog("Update Skipped: File locked", 30*time.Second)

	h.Signal(syscall.SIGINT)
	if code := h.WaitExit(10 * time.Second); code != 0 {
		t.Errorf("expected clean exit, got status %d", code)
	}

	if hits := h.Upstream.Hits("/lists/a.txt"); hits != 0 {
		t.Errorf("locked entry was downloaded %d times", hits)
	}
	if n := h.GitHub.PutCount(); n != 0 {
		t.Errorf("locked entry was published %d times", n)
	}
}

func TestDaemon_StatusServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	h := NewHarness(t)
	h.Upstream.SetList("a.txt", list)
	h.Start(h.WriteConfig("status:\n  listen_addr: " + addr + "\n"))

	h.WaitForLog("Updated 'a.txt' successfully", 30*time.Second)

	health := get(t, "http://"+addr+"/healthz")
	for _, want := range []string{`"status":"ok"`, `"version":"9.9.9"`, `"last_entry":"a.txt"`, `"last_outcome":"updated"`} {
		if !strings.Contains(health, want) {
			t.Errorf("healthz missing %s: %s", want, health)
		}
	}

	metrics := get(t, "http://"+addr+"/metrics")
	if !strings.Contains(metrics, `mirrord_entries_processed_total{outcome="updated"} 1`) {
		t.Errorf("metrics missing update counter:\n%s", metrics)
	}

	h.Signal(syscall.SIGTERM)
	if code := h.WaitExit(10 * time.Second); code != 0 {
		t.Errorf("expected clean exit, got status %d", code)
	}
}

func TestDaemon_EmptyManifestIsFatal(t *testing.T) {
	h := NewHarness(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := "manifest: []\nlockfile: " + h.Upstream.URL + "/locks.txt\nrepo: owner/mirror\nuser: bot\nsecret: x\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	h.Start(path)

	if code := h.WaitExit(10 * time.Second); code != 1 {
		t.Errorf("expected exit status 1 for an empty manifest, got %d", code)
	}
	if !strings.Contains(h.Output(), "manifest") {
		t.Errorf("expected the error to name the manifest:\n%s", h.Output())
	}

	crashes, err := filepath.Glob(filepath.Join(h.Home, "mirrord-logs", "crash-v9_9_9-*.txt"))
	if err != nil || len(crashes) != 1 {
		t.Fatalf("expected one crash record, got %v (%v)", crashes, err)
	}
	data, _ := os.ReadFile(crashes[0])
	if !strings.Contains(string(data), "Error: failed to load config") {
		t.Errorf("unexpected crash record:\n%s", data)
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}
