package lockfile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/schaermu/mirrord/internal/fetch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockFetcher returns canned results in order, repeating the last one.
type mockFetcher struct {
	results []fetch.Result
	urls    []string
	policy  fetch.RetryPolicy
}

func (m *mockFetcher) Get(_ context.Context, url string, policy fetch.RetryPolicy) fetch.Result {
	m.urls = append(m.urls, url)
	m.policy = policy
	i := len(m.urls) - 1
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i]
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "duplicates and comments", raw: "a\nb\nb\n# c\n\n", want: []string{"a", "b"}},
		{name: "empty", raw: "", want: []string{}},
		{name: "only comments", raw: "# nothing\n#locked.txt\n", want: []string{}},
		{name: "padding and crlf", raw: "  ublock-filters.txt \r\nbadware.txt\r\n", want: []string{"badware.txt", "ublock-filters.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw).Names()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSet_Has(t *testing.T) {
	set := Parse("a.txt\n")
	if !set.Has("a.txt") {
		t.Error("expected a.txt to be locked")
	}
	if set.Has("b.txt") {
		t.Error("expected b.txt to be unlocked")
	}
	if set.Len() != 1 {
		t.Errorf("expected 1 locked name, got %d", set.Len())
	}
}

func TestResolver_Fetch(t *testing.T) {
	fetcher := &mockFetcher{results: []fetch.Result{fetch.Succeeded("a.txt\n# note\n")}}
	policy := fetch.RetryPolicy{Retry: true, TimeoutSeconds: 90}
	r := NewResolver(fetcher, "https://example.com/lock.txt", policy, testLogger())

	set, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !set.Has("a.txt") || set.Len() != 1 {
		t.Errorf("unexpected set %v", set.Names())
	}
	if fetcher.urls[0] != "https://example.com/lock.txt" {
		t.Errorf("fetched wrong url %s", fetcher.urls[0])
	}
	if fetcher.policy != policy {
		t.Errorf("expected policy %+v, got %+v", policy, fetcher.policy)
	}
}

func TestResolver_FetchRebuildsEveryTime(t *testing.T) {
	fetcher := &mockFetcher{results: []fetch.Result{
		fetch.Succeeded("a.txt\n"),
		fetch.Succeeded("b.txt\n"),
	}}
	r := NewResolver(fetcher, "https://example.com/lock.txt", fetch.RetryPolicy{}, testLogger())

	first, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !first.Has("a.txt") {
		t.Error("first set should lock a.txt")
	}
	if second.Has("a.txt") || !second.Has("b.txt") {
		t.Errorf("second set must replace the first, got %v", second.Names())
	}
}

func TestResolver_FetchUnavailable(t *testing.T) {
	fetcher := &mockFetcher{results: []fetch.Result{fetch.Failed(errors.New("connection refused"))}}
	r := NewResolver(fetcher, "https://example.com/lock.txt", fetch.RetryPolicy{}, testLogger())

	set, err := r.Fetch(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if set != nil {
		t.Errorf("expected no set on failure, got %v", set.Names())
	}
}

func TestResolver_FetchCancelled(t *testing.T) {
	fetcher := &mockFetcher{results: []fetch.Result{fetch.Failed(context.Canceled)}}
	r := NewResolver(fetcher, "https://example.com/lock.txt", fetch.RetryPolicy{}, testLogger())

	_, err := r.Fetch(context.Background())
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrUnavailable wrapping context.Canceled, got %v", err)
	}
}
