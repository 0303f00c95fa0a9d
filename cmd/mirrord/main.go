package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/mirrord/internal/activation"
	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/content"
	"github.com/schaermu/mirrord/internal/crash"
	"github.com/schaermu/mirrord/internal/fetch"
	"github.com/schaermu/mirrord/internal/git"
	"github.com/schaermu/mirrord/internal/github"
	"github.com/schaermu/mirrord/internal/lockfile"
	"github.com/schaermu/mirrord/internal/mirror"
	"github.com/schaermu/mirrord/internal/schedule"
	"github.com/schaermu/mirrord/internal/status"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	dryRun    bool
)

const (
	// exitInterrupted is the status used when a second signal cuts shutdown short
	exitInterrupted = 130

	// defaultLogDirName is the crash directory under $HOME when log_dir is unset
	defaultLogDirName = "mirrord-logs"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mirrord",
	Short: "Mirror remote filter lists into a repository",
	Long: `mirrord is an unattended daemon that keeps a repository in sync with a
manifest of remote filter lists.

It walks the manifest in a shuffled order, one entry at a time, honours a
remote lock list, validates and resolves every downloaded list, and publishes
it through the GitHub contents API or a git checkout.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mirror daemon until terminated",
	Long: `Run processes one manifest entry per iteration, pausing between entries,
until SIGINT, SIGTERM or SIGHUP is received.

A health and metrics endpoint is served when status.listen_addr is set or
the process is socket activated.`,
	RunE: runDaemon,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print it with secrets redacted",
	RunE:  runCheck,
}

var lockfileCmd = &cobra.Command{
	Use:   "lockfile",
	Short: "Fetch the lock list once and print the locked names",
	RunE:  runLockfile,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mirrord %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mirrord/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file (overrides log_dir)")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "download and validate, but never publish")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(lockfileCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(setupLogger(os.Stdout, ""))
	if err != nil {
		return recordStartupFailure(crash.NewRecorder(crashDir(nil), version),
			fmt.Errorf("failed to load config: %w", err))
	}
	recorder := crash.NewRecorder(crashDir(cfg), version)

	logger, closeLog, err := daemonLogger(cfg)
	if err != nil {
		return recordStartupFailure(recorder, err)
	}
	defer closeLog()

	ctx, cancel := setupSignalHandler(logger, cfg.Shutdown.SecondSignal)
	defer cancel()

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return recordStartupFailure(recorder, err)
	}

	ln, err := activation.Listen(cfg.Status.ListenAddr)
	if err != nil {
		return recordStartupFailure(recorder, fmt.Errorf("failed to set up status listener: %w", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var runErr error
		recorder.Guard(func() {
			runErr = engine.Run(gctx)
		})
		return runErr
	})
	if ln != nil {
		mirror.RegisterMetrics()
		server := status.NewServer(engine, nil, version, logger)
		g.Go(func() error {
			var serveErr error
			recorder.Guard(func() {
				serveErr = server.Serve(gctx, ln)
			})
			return serveErr
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("mirror daemon failed", "error", err)
		return err
	}
	return nil
}

// crashDir returns where crash records go: log_dir when configured,
// otherwise ~/mirrord-logs.
func crashDir(cfg *config.Config) string {
	if cfg != nil && cfg.LogDir != "" {
		return cfg.LogDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, defaultLogDirName)
}

// recordStartupFailure leaves a crash record for err and returns it
func recordStartupFailure(r *crash.Recorder, err error) error {
	if path, recErr := r.RecordError(err); recErr != nil {
		fmt.Fprintf(os.Stderr, "failed to record crash: %v\n", recErr)
	} else {
		fmt.Fprintf(os.Stderr, "crash recorded in %s\n", path)
	}
	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr, "")
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprint(out, cfg.Redacted())
	_, _ = fmt.Fprintf(out, "\n%d manifest entries:\n", len(cfg.Manifest))
	for _, entry := range cfg.Manifest {
		_, _ = fmt.Fprintf(out, "  %s <- %s\n", cfg.PathPrefix+entry.Name, strings.Join(entry.Sources(), ", "))
	}
	return nil
}

func runLockfile(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr, "")
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = setupLogger(os.Stderr, cfg.Secret)

	sched := schedule.New(schedule.RealClock{}, schedule.DefaultResolution)
	fetcher := fetch.NewClient(nil, sched, cfg.User, logger)
	locks := lockfile.NewResolver(fetcher, cfg.Lockfile, fetch.RetryPolicy{Retry: false}, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := locks.Fetch(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, name := range set.Names() {
		_, _ = fmt.Fprintln(out, name)
	}
	return nil
}

// buildEngine wires the engine collaborators for cfg
func buildEngine(cfg *config.Config, logger *slog.Logger) (*mirror.Engine, error) {
	sched := schedule.New(schedule.RealClock{}, schedule.DefaultResolution)

	fetcher := fetch.NewClient(&http.Client{}, sched, cfg.User, logger)
	fetcher.OnRetry = func(raw string) {
		mirror.RecordFetchRetry(hostOf(raw))
	}

	locks := lockfile.NewResolver(fetcher, cfg.Lockfile, mirror.RetryPolicy(cfg), logger)

	repo, err := newRepository(cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := mirror.Deps{
		Locks:   locks,
		Fetcher: fetcher,
		Repo:    repo,
		Sleeper: sched,
	}
	return mirror.NewEngine(cfg, deps, logger, version, dryRun), nil
}

// newRepository selects the publishing backend
func newRepository(cfg *config.Config, logger *slog.Logger) (mirror.Repository, error) {
	pipeline := content.NewPipeline(cfg.Manifest)

	switch cfg.Backend {
	case config.BackendGitHub:
		return github.NewClient(nil, cfg.GitHub.APIURL, cfg.User, cfg.Secret, cfg.Branch, pipeline, logger), nil
	case config.BackendGit:
		client := git.NewShellClient(cfg.Git.SSHKeyFile, cfg.Secret, cfg.User)
		return git.NewRepository(client, cfg.Git.URL, cfg.Branch, cfg.Git.CheckoutDir, pipeline, logger), nil
	default:
		return nil, fmt.Errorf("invalid backend: %s", cfg.Backend)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/mirrord/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"entries", len(cfg.Manifest),
		"lockfile", cfg.Lockfile,
		"repo", cfg.Repo,
		"backend", cfg.Backend,
		"timer_scale", cfg.TimerScale)

	return cfg, nil
}

// setupSignalHandler returns a context cancelled by the first termination
// signal. Later signals are handled according to mode.
func setupSignalHandler(logger *slog.Logger, mode config.SecondSignal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go watchSignals(sigCh, cancel, mode, logger, os.Exit)

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// watchSignals cancels on the first signal. With SecondSignalExit the next
// one terminates the process through exit; with SecondSignalDrain it is
// only logged.
func watchSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, mode config.SecondSignal, logger *slog.Logger, exit func(int)) {
	sig, ok := <-sigCh
	if !ok {
		return
	}
	logger.Info("Shutdown initiated", "signal", sig.String())
	cancel()

	for sig := range sigCh {
		if mode == config.SecondSignalExit {
			logger.Warn("second signal received, exiting immediately", "signal", sig.String())
			exit(exitInterrupted)
			return
		}
		logger.Info("shutdown already in progress", "signal", sig.String())
	}
}
