//go:build integration

package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/schaermu/mirrord/internal/testutil"
)

const testVersion = "9.9.9"

// Harness runs the mirrord binary against fake upstream and GitHub servers
type Harness struct {
	t   *testing.T
	bin string

	Upstream *Upstream
	GitHub   *FakeGitHub
	Home     string

	cmd     *exec.Cmd
	output  *syncBuffer
	exited  chan struct{}
	waitErr error
}

// NewHarness builds the daemon and starts the fake servers
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	up := &Upstream{lists: map[string]string{}}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)
	up.URL = upSrv.URL

	gh := &FakeGitHub{puts: make(chan string, 16), files: map[string]string{}}
	ghSrv := httptest.NewServer(gh)
	t.Cleanup(ghSrv.Close)
	gh.URL = ghSrv.URL

	return &Harness{
		t:        t,
		bin:      testutil.BuildDaemon(t, testVersion),
		Upstream: up,
		GitHub:   gh,
		Home:     t.TempDir(),
	}
}

// WriteConfig writes a YAML config pointing at the fake servers
func (h *Harness) WriteConfig(extra string) string {
	h.t.Helper()
	cfg := fmt.Sprintf(`manifest:
  - name: a.txt
    link: %s/lists/a.txt
lockfile: %s/locks.txt
repo: owner/mirror
user: mirror-bot
secret: integration-secret
github:
  api_url: %s
%s`, h.Upstream.URL, h.Upstream.URL, h.GitHub.URL, extra)

	path := filepath.Join(h.t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Start launches `mirrord run` with the given config
func (h *Harness) Start(configPath string) {
	h.t.Helper()

	h.output = &syncBuffer{}
	h.cmd = exec.Command(h.bin, "run", "--config", configPath, "--log-level", "debug")
	h.cmd.Stdout = h.output
	h.cmd.Stderr = h.output
	h.cmd.Env = append(os.Environ(), "HOME="+h.Home)

	if err := h.cmd.Start(); err != nil {
		h.t.Fatalf("start daemon: %v", err)
	}

	h.exited = make(chan struct{})
	go func() {
		h.waitErr = h.cmd.Wait()
		close(h.exited)
	}()

	h.t.Cleanup(func() {
		select {
		case <-h.exited:
		default:
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
		if h.t.Failed() {
			h.t.Logf("daemon output:\n%s", h.output.String())
		}
	})
}

// WaitForLog blocks until the daemon output contains s
func (h *Harness) WaitForLog(s string, timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(h.output.String(), s) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %q", s)
}

// Signal sends sig to the daemon
func (h *Harness) Signal(sig syscall.Signal) {
	h.t.Helper()
	if err := h.cmd.Process.Signal(sig); err != nil {
		h.t.Fatalf("signal daemon: %v", err)
	}
}

// WaitExit waits for the daemon to exit and returns its status
func (h *Harness) WaitExit(timeout time.Duration) int {
	h.t.Helper()
	select {
	case <-h.exited:
		var exitErr *exec.ExitError
		if errors.As(h.waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
		if h.waitErr != nil {
			h.t.Fatalf("wait daemon: %v", h.waitErr)
		}
		return 0
	case <-time.After(timeout):
		h.t.Fatalf("daemon did not exit within %s", timeout)
		return -1
	}
}

// Output returns everything the daemon logged so far
func (h *Harness) Output() string {
	return h.output.String()
}

// Upstream serves the lock list and filter lists
type Upstream struct {
	URL string

	mu    sync.Mutex
	locks string
	lists map[string]string
	hits  map[string]int
}

// SetLocks replaces the lock list body
func (u *Upstream) SetLocks(body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.locks = body
}

// SetList sets the body served for /lists/<name>
func (u *Upstream) SetList(name, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lists[name] = body
}

// Hits returns how often path was requested
func (u *Upstream) Hits(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.hits == nil {
		u.hits = map[string]int{}
	}
	u.hits[r.URL.Path]++

	if r.URL.Path == "/locks.txt" {
		_, _ = fmt.Fprint(w, u.locks)
		return
	}
	body, ok := u.lists[strings.TrimPrefix(r.URL.Path, "/lists/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = fmt.Fprint(w, body)
}

// FakeGitHub accepts contents API writes
type FakeGitHub struct {
	URL string

	mu    sync.Mutex
	files map[string]string
	puts  chan string
}

func (g *FakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/repos/owner/mirror/contents/")
	switch r.Method {
	case http.MethodGet:
		http.NotFound(w, r)
	case http.MethodPut:
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		g.mu.Lock()
		g.files[path] = buf.String()
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"content":{"path":"`+path+`"}}`)
		g.puts <- path
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WaitForPut returns the path of the next written file
func (g *FakeGitHub) WaitForPut(ctx context.Context) (string, error) {
	select {
	case p := <-g.puts:
		return p, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PutCount returns how many distinct files were written
func (g *FakeGitHub) PutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.files)
}

// syncBuffer is a goroutine-safe output sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
