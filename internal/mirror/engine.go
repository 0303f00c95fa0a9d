package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/content"
	"github.com/schaermu/mirrord/internal/fetch"
	"github.com/schaermu/mirrord/internal/lockfile"
)

// Pauses in seconds, multiplied by the configured timer scale.
const (
	retryPause       = 30
	lockFailurePause = 60 * 60
	lockedPause      = 5 * 60
	idlePause        = 15 * 60
)

// pushTimeout bounds a publish that outlives the engine context
const pushTimeout = 10 * time.Minute

// LockSource provides the current lock set
type LockSource interface {
	Fetch(ctx context.Context) (lockfile.Set, error)
}

// Fetcher downloads entry content, trying fallback links in order
type Fetcher interface {
	GetAny(ctx context.Context, urls []string, policy fetch.RetryPolicy) fetch.Result
}

// Repository publishes mirrored files
type Repository interface {
	FileUpdate(ctx context.Context, payload UpdatePayload) (UpdateResponse, error)
}

// Sleeper performs the validated cooperative wait
type Sleeper interface {
	SleepSeconds(ctx context.Context, seconds int) error
}

// Deps are the collaborators an Engine drives
type Deps struct {
	Locks   LockSource
	Fetcher Fetcher
	Repo    Repository
	Sleeper Sleeper
	Rand    *rand.Rand // optional, seeds the reshuffle
}

// Engine orchestrates the mirror loop: one manifest entry per iteration
type Engine struct {
	cfg      *config.Config
	deps     Deps
	cycler   *Cycler
	pipeline *content.Pipeline
	logger   *slog.Logger
	version  string
	dryRun   bool

	statusMu sync.Mutex
	status   Status
	passes   atomic.Int64
}

// NewEngine creates a new mirror engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger, version string, dryRun bool) *Engine {
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		cycler:   NewCycler(cfg.Manifest, deps.Rand),
		pipeline: content.NewPipeline(cfg.Manifest),
		logger:   logger,
		version:  version,
		dryRun:   dryRun,
	}
	e.status = Status{Cursor: e.cycler.Cursor(), ManifestSize: e.cycler.Len()}
	return e
}

// RetryPolicy returns the fetch policy used for the lock list and entries
func RetryPolicy(cfg *config.Config) fetch.RetryPolicy {
	return fetch.RetryPolicy{Retry: true, TimeoutSeconds: retryPause * cfg.TimerScale}
}

// CommitMessage returns the message attached to every mirror update
func CommitMessage(version string) string {
	return "Automatic mirror update - Mirror Engine v" + version
}

// Run processes entries until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting mirror engine",
		"entries", e.cycler.Len(),
		"lockfile", e.cfg.Lockfile,
		"repo", e.cfg.Repo,
		"timer_scale", e.cfg.TimerScale,
		"dry_run", e.dryRun)

	for ctx.Err() == nil {
		e.Step(ctx)
	}

	e.logger.Debug("Shutdown completed")
	return nil
}

// Step runs exactly one iteration of the mirror protocol
func (e *Engine) Step(ctx context.Context) Outcome {
	if e.cycler.Wrap() {
		e.passes.Add(1)
		recordPass()
		e.logger.Debug("manifest shuffled", "order", e.cycler.Names())
	}

	// The lock list comes first so a locked entry costs one request.
	locks, err := e.deps.Locks.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(OutcomeCancelled, "")
		}
		e.logger.Error("Lockfile Error: Network error", "error", err)
		e.pause(ctx, lockFailurePause)
		return e.finish(OutcomeLockUnavailable, "")
	}

	entry := e.cycler.Current()
	log := e.logger.With("name", entry.Name)

	if locks.Has(entry.Name) {
		log.Warn("Update Skipped: File locked")
		e.cycler.Advance()
		e.pause(ctx, lockedPause)
		return e.finish(OutcomeLocked, entry.Name)
	}

	res := e.deps.Fetcher.GetAny(ctx, entry.Sources(), RetryPolicy(e.cfg))
	if res.Cancelled() {
		log.Error(fmt.Sprintf("Update Error: Could not download '%s'", entry.Name), "error", res.Err)
		return e.finish(OutcomeCancelled, entry.Name)
	}
	if !res.OK {
		log.Error(fmt.Sprintf("Update Error: Could not download '%s'", entry.Name), "error", res.Err)
		return e.advance(ctx, OutcomeDownloadFailed, entry.Name)
	}
	if !e.pipeline.Validate(res.Text) {
		log.Error(fmt.Sprintf("Update Error: Invalid content for '%s'", entry.Name), "bytes", len(res.Text))
		return e.advance(ctx, OutcomeInvalid, entry.Name)
	}

	payload := UpdatePayload{
		Entry:   entry,
		Repo:    e.cfg.Repo,
		Path:    e.cfg.PathPrefix + entry.Name,
		Content: e.pipeline.Resolve(entry, res.Text),
		Message: CommitMessage(e.version),
	}

	if e.dryRun {
		log.Info("[dry-run] would update", "repo", payload.Repo, "path", payload.Path, "bytes", len(payload.Content))
		return e.advance(ctx, OutcomeUnchanged, entry.Name)
	}

	return e.advance(ctx, e.push(ctx, log, payload), entry.Name)
}

// push hands the payload to the repository and logs the outcome. The
// publish is detached from ctx cancellation so a shutdown signal lets the
// current iteration finish instead of aborting a commit half way.
func (e *Engine) push(ctx context.Context, log *slog.Logger, payload UpdatePayload) Outcome {
	name := payload.Entry.Name

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()

	resp, err := e.deps.Repo.FileUpdate(pushCtx, payload)
	if err != nil {
		log.Error(fmt.Sprintf("Update Error: Could not update '%s'", name), "error", err, "response", resp.Response)
		return OutcomeUpdateFailed
	}
	if !resp.Success {
		log.Error(fmt.Sprintf("Update Error: Could not update '%s'", name), "response", resp.Response)
		return OutcomeUpdateFailed
	}
	if resp.Unchanged {
		log.Info(fmt.Sprintf("'%s' is already up to date", name), "response", resp.Response)
		return OutcomeUnchanged
	}
	log.Info(fmt.Sprintf("Updated '%s' successfully", name), "response", resp.Response)
	return OutcomeUpdated
}

// advance moves past the current entry and applies the idle pause
func (e *Engine) advance(ctx context.Context, o Outcome, name string) Outcome {
	e.cycler.Advance()
	e.pause(ctx, idlePause)
	return e.finish(o, name)
}

func (e *Engine) pause(ctx context.Context, seconds int) {
	// A cancelled sleep ends the iteration; Run observes ctx at the top.
	_ = e.deps.Sleeper.SleepSeconds(ctx, seconds*e.cfg.TimerScale)
}

func (e *Engine) finish(o Outcome, name string) Outcome {
	cursor := e.cycler.Cursor()
	recordOutcome(o, cursor)

	e.statusMu.Lock()
	e.status = Status{
		Cursor:       cursor,
		ManifestSize: e.cycler.Len(),
		Passes:       e.passes.Load(),
		LastOutcome:  o.String(),
		LastEntry:    name,
	}
	e.statusMu.Unlock()

	return o
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// Cursor returns the index of the next entry. Not safe for concurrent use
// with Run; use Status from other goroutines.
func (e *Engine) Cursor() int {
	return e.cycler.Cursor()
}

// Order returns the current pass order. Same caveat as Cursor.
func (e *Engine) Order() []config.Entry {
	return e.cycler.Order()
}
