package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/mirror"
)

// DefaultBranch is used when no branch is configured
const DefaultBranch = "main"

// Comparator decides whether the checked out file already matches an update
type Comparator interface {
	Compare(entry config.Entry, existing, resolved string) bool
}

// Repository implements mirror.Repository by committing into a local
// checkout and pushing it to the configured remote.
type Repository struct {
	client      Client
	url         string
	branch      string
	checkoutDir string
	comparator  Comparator
	logger      *slog.Logger

	mu sync.Mutex
}

// NewRepository creates a git-backed mirror repository
func NewRepository(client Client, url, branch, checkoutDir string, comparator Comparator, logger *slog.Logger) *Repository {
	if branch == "" {
		branch = DefaultBranch
	}
	return &Repository{
		client:      client,
		url:         url,
		branch:      branch,
		checkoutDir: checkoutDir,
		comparator:  comparator,
		logger:      logger,
	}
}

// FileUpdate writes payload.Content to payload.Path in the checkout and
// pushes a commit. payload.Repo is informational for this backend.
func (r *Repository) FileUpdate(ctx context.Context, payload mirror.UpdatePayload) (mirror.UpdateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := filepath.FromSlash(payload.Path)
	if !filepath.IsLocal(rel) {
		return mirror.UpdateResponse{}, fmt.Errorf("path escapes checkout: %s", payload.Path)
	}

	commit, err := r.client.EnsureCheckout(ctx, r.url, r.branch, r.checkoutDir)
	if err != nil {
		return mirror.UpdateResponse{}, err
	}
	r.logger.Debug("checkout ready", "commit", commit, "branch", r.branch)

	target := filepath.Join(r.checkoutDir, rel)
	existing, err := os.ReadFile(target)
	switch {
	case err == nil:
		if r.comparator.Compare(payload.Entry, string(existing), payload.Content) {
			return mirror.UpdateResponse{
				Success:   true,
				Unchanged: true,
				Response:  "unchanged at " + commit,
			}, nil
		}
	case errors.Is(err, fs.ErrNotExist):
		// new file
	default:
		return mirror.UpdateResponse{}, fmt.Errorf("failed to read %s: %w", payload.Path, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return mirror.UpdateResponse{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(payload.Content), 0644); err != nil {
		return mirror.UpdateResponse{}, fmt.Errorf("failed to write %s: %w", payload.Path, err)
	}

	pushed, err := r.client.CommitAndPush(ctx, r.url, r.branch, r.checkoutDir, filepath.ToSlash(rel), payload.Message)
	if err != nil {
		return mirror.UpdateResponse{Response: err.Error()}, err
	}

	return mirror.UpdateResponse{
		Success:  true,
		Response: "pushed " + pushed + " to " + r.branch,
	}, nil
}
