package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/fetch"
)

// ErrUnavailable is returned when the lock list could not be downloaded.
// Callers must treat this as "lock state unknown", never as "nothing locked".
var ErrUnavailable = errors.New("lock list unavailable")

// Set holds the names of the entries that must not be updated
type Set map[string]struct{}

// Parse builds a Set from lock list text, one name per logical line
func Parse(raw string) Set {
	out := make(Set)
	for _, line := range config.Lines(raw) {
		out[line] = struct{}{}
	}
	return out
}

// Has reports whether name is locked
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of locked names
func (s Set) Len() int {
	return len(s)
}

// Names returns the locked names in sorted order
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetcher downloads text with retry
type Fetcher interface {
	Get(ctx context.Context, url string, policy fetch.RetryPolicy) fetch.Result
}

// Resolver downloads and parses the remote lock list
type Resolver struct {
	fetcher Fetcher
	url     string
	policy  fetch.RetryPolicy
	logger  *slog.Logger
}

// NewResolver creates a lock list resolver for url
func NewResolver(fetcher Fetcher, url string, policy fetch.RetryPolicy, logger *slog.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		url:     url,
		policy:  policy,
		logger:  logger,
	}
}

// Fetch returns a freshly built lock set. The previous set is never reused.
func (r *Resolver) Fetch(ctx context.Context) (Set, error) {
	res := r.fetcher.Get(ctx, r.url, r.policy)
	if !res.OK {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, res.Err)
	}

	set := Parse(res.Text)
	for _, name := range set.Names() {
		r.logger.Debug("file locked", "name", name)
	}
	return set, nil
}
