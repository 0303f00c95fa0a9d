package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/mirrord/internal/schedule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockSleeper records backoffs and optionally cancels after a number of them.
type mockSleeper struct {
	calls       int
	seconds     []int
	cancelAfter int
	cancel      context.CancelFunc
}

func (m *mockSleeper) SleepSeconds(ctx context.Context, seconds int) error {
	m.calls++
	m.seconds = append(m.seconds, seconds)
	if m.cancel != nil && m.calls == m.cancelAfter {
		m.cancel()
	}
	return ctx.Err()
}

// flakyServer fails the first n requests with a 503.
func flakyServer(t *testing.T, failures int64, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGet_Success(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = fmt.Fprint(w, "||example.com^\n")
	}))
	defer srv.Close()

	sleeper := &mockSleeper{}
	client := NewClient(srv.Client(), sleeper, "mirror-bot", testLogger())

	res := client.Get(context.Background(), srv.URL, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if !res.OK {
		t.Fatalf("expected success, got error %v", res.Err)
	}
	if res.Text != "||example.com^\n" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if gotUA != "mirror-bot" {
		t.Errorf("expected User-Agent mirror-bot, got %q", gotUA)
	}
	if sleeper.calls != 0 {
		t.Errorf("expected no backoff, got %d", sleeper.calls)
	}
}

func TestGet_EmptyBodyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), &mockSleeper{}, "", testLogger())
	res := client.Get(context.Background(), srv.URL, RetryPolicy{})
	if !res.OK {
		t.Fatalf("empty body must be a successful result, got %v", res.Err)
	}
	if res.Text != "" {
		t.Errorf("expected empty text, got %q", res.Text)
	}
}

func TestGet_RetriesUntilSuccess(t *testing.T) {
	srv, hits := flakyServer(t, 3, "ok\n")

	sleeper := &mockSleeper{}
	client := NewClient(srv.Client(), sleeper, "", testLogger())

	var retried atomic.Int64
	client.OnRetry = func(string) { retried.Add(1) }

	res := client.Get(context.Background(), srv.URL, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if !res.OK || res.Text != "ok\n" {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if hits.Load() != 4 {
		t.Errorf("expected 4 requests, got %d", hits.Load())
	}
	if sleeper.calls != 3 {
		t.Errorf("expected 3 backoffs, got %d", sleeper.calls)
	}
	for _, s := range sleeper.seconds {
		if s != 90 {
			t.Errorf("expected 90s backoff, got %d", s)
		}
	}
	if retried.Load() != 3 {
		t.Errorf("expected OnRetry called 3 times, got %d", retried.Load())
	}
}

func TestGet_NoRetry(t *testing.T) {
	srv, hits := flakyServer(t, 1, "ok\n")

	sleeper := &mockSleeper{}
	client := NewClient(srv.Client(), sleeper, "", testLogger())

	res := client.Get(context.Background(), srv.URL, RetryPolicy{Retry: false})
	if res.OK {
		t.Fatal("expected failure without retry")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "503") {
		t.Errorf("expected status error, got %v", res.Err)
	}
	if res.Cancelled() {
		t.Error("a transport failure must not look like a cancellation")
	}
	if hits.Load() != 1 || sleeper.calls != 0 {
		t.Errorf("expected one attempt and no backoff, got %d attempts, %d backoffs", hits.Load(), sleeper.calls)
	}
}

func TestGet_NeverGivesUpWhileRunning(t *testing.T) {
	srv, hits := flakyServer(t, 1<<40, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeper := &mockSleeper{cancelAfter: 50, cancel: cancel}
	client := NewClient(srv.Client(), sleeper, "", testLogger())

	res := client.Get(ctx, srv.URL, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if res.OK {
		t.Fatal("expected failure")
	}
	if !res.Cancelled() {
		t.Errorf("expected a cancelled result, got %v", res.Err)
	}
	if sleeper.calls != 50 {
		t.Errorf("expected to keep retrying until cancelled (50 backoffs), got %d", sleeper.calls)
	}
	if hits.Load() != 50 {
		t.Errorf("expected 50 attempts, got %d", hits.Load())
	}
}

func TestGet_CancelMidBackoffWithScheduler(t *testing.T) {
	srv, _ := flakyServer(t, 1<<40, "")

	ctx, cancel := context.WithCancel(context.Background())
	sched := schedule.New(blockingClock{}, 4)
	client := NewClient(srv.Client(), sched, "", testLogger())

	done := make(chan Result, 1)
	go func() {
		done <- client.Get(ctx, srv.URL, RetryPolicy{Retry: true, TimeoutSeconds: 3600})
	}()

	// Give the first attempt time to fail and enter the backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if !res.Cancelled() {
			t.Errorf("expected cancelled result, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after cancellation")
	}
}

func TestGet_AlreadyCancelled(t *testing.T) {
	srv, hits := flakyServer(t, 0, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.Client(), &mockSleeper{}, "", testLogger())
	res := client.Get(ctx, srv.URL, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if !res.Cancelled() {
		t.Errorf("expected cancelled result, got %+v", res)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no request after cancellation, got %d", hits.Load())
	}
}

func TestGetAny_FallsBackInOrder(t *testing.T) {
	broken, brokenHits := flakyServer(t, 1<<40, "")
	good, goodHits := flakyServer(t, 0, "from fallback\n")

	sleeper := &mockSleeper{}
	client := NewClient(http.DefaultClient, sleeper, "", testLogger())

	res := client.GetAny(context.Background(), []string{broken.URL, good.URL}, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if !res.OK || res.Text != "from fallback\n" {
		t.Fatalf("expected fallback content, got %+v", res)
	}
	if brokenHits.Load() != 1 || goodHits.Load() != 1 {
		t.Errorf("expected one attempt per link, got %d and %d", brokenHits.Load(), goodHits.Load())
	}
	if sleeper.calls != 0 {
		t.Errorf("expected no backoff when a fallback succeeds, got %d", sleeper.calls)
	}
}

func TestGetAny_RetriesWholeRound(t *testing.T) {
	first, firstHits := flakyServer(t, 1<<40, "")
	second, secondHits := flakyServer(t, 1, "second\n")

	sleeper := &mockSleeper{}
	client := NewClient(http.DefaultClient, sleeper, "", testLogger())

	res := client.GetAny(context.Background(), []string{first.URL, second.URL}, RetryPolicy{Retry: true, TimeoutSeconds: 90})
	if !res.OK || res.Text != "second\n" {
		t.Fatalf("expected success in second round, got %+v", res)
	}
	if firstHits.Load() != 2 || secondHits.Load() != 2 {
		t.Errorf("expected two rounds, got %d and %d attempts", firstHits.Load(), secondHits.Load())
	}
	if sleeper.calls != 1 {
		t.Errorf("expected one backoff between rounds, got %d", sleeper.calls)
	}
}

func TestGetAny_NoURLs(t *testing.T) {
	client := NewClient(nil, &mockSleeper{}, "", testLogger())
	if res := client.GetAny(context.Background(), nil, RetryPolicy{Retry: true}); res.OK {
		t.Fatal("expected failure with no urls")
	}
}

func TestGet_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("a", 1<<20)
		for i := 0; i < 17; i++ {
			_, _ = fmt.Fprint(w, chunk)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), &mockSleeper{}, "", testLogger())
	res := client.Get(context.Background(), srv.URL, RetryPolicy{})
	if res.OK {
		t.Fatal("expected oversize body to fail")
	}
	if !errors.Is(res.Err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", res.Err)
	}
}

// blockingClock never fires, so only cancellation ends a backoff.
type blockingClock struct{}

func (blockingClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}
