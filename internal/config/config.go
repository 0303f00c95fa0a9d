package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backend selects the repository collaborator that receives mirrored files
type Backend string

const (
	BackendGitHub Backend = "github"
	BackendGit    Backend = "git"
)

// SecondSignal defines what happens when a termination signal arrives while
// a graceful shutdown is already in progress
type SecondSignal string

const (
	SecondSignalExit  SecondSignal = "exit"
	SecondSignalDrain SecondSignal = "drain"
)

// Timer scale bounds keep every scaled pause inside the scheduler's
// validated range (64, 65536) seconds: 30*3 > 64 and 3600*18 < 65536.
const (
	MinTimerScale = 3
	MaxTimerScale = 18
)

const redactedSecret = "<redacted>"

// ErrEmptyManifest is returned when the configuration lists no entries
var ErrEmptyManifest = errors.New("manifest error: no entry found")

// Entry is one mirrored file: its unique name and where to download it from.
// Links is the legacy shape carrying ordered fallback links instead of Link.
type Entry struct {
	Name  string   `yaml:"name" toml:"name" json:"name"`
	Link  string   `yaml:"link,omitempty" toml:"link,omitempty" json:"link,omitempty"`
	Links []string `yaml:"links,omitempty" toml:"links,omitempty" json:"links,omitempty"`
}

// Sources returns the entry's download links in preference order
func (e Entry) Sources() []string {
	if e.Link != "" {
		return []string{e.Link}
	}
	return e.Links
}

// Config represents the complete mirrord configuration
type Config struct {
	Manifest   []Entry        `yaml:"manifest" toml:"manifest"`
	Lockfile   string         `yaml:"lockfile" toml:"lockfile"`
	Repo       string         `yaml:"repo" toml:"repo"`
	Branch     string         `yaml:"branch,omitempty" toml:"branch,omitempty"`
	User       string         `yaml:"user" toml:"user"`
	Secret     string         `yaml:"secret,omitempty" toml:"secret,omitempty"`
	SecretFile string         `yaml:"secret_file,omitempty" toml:"secret_file,omitempty"`
	TimerScale int            `yaml:"timer_scale" toml:"timer_scale"`
	PathPrefix string         `yaml:"path_prefix" toml:"path_prefix"`
	Backend    Backend        `yaml:"backend" toml:"backend"`
	LogDir     string         `yaml:"log_dir,omitempty" toml:"log_dir,omitempty"`
	GitHub     GitHubConfig   `yaml:"github" toml:"github"`
	Git        GitConfig      `yaml:"git" toml:"git"`
	Status     StatusConfig   `yaml:"status" toml:"status"`
	Shutdown   ShutdownConfig `yaml:"shutdown" toml:"shutdown"`
}

// GitHubConfig configures the GitHub contents API backend
type GitHubConfig struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// GitConfig configures the shell git backend
type GitConfig struct {
	URL         string `yaml:"url,omitempty" toml:"url,omitempty"`
	CheckoutDir string `yaml:"checkout_dir,omitempty" toml:"checkout_dir,omitempty"`
	SSHKeyFile  string `yaml:"ssh_key_file,omitempty" toml:"ssh_key_file,omitempty"`
}

// StatusConfig configures the health and metrics listener
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
}

// ShutdownConfig configures signal handling
type ShutdownConfig struct {
	SecondSignal SecondSignal `yaml:"second_signal" toml:"second_signal"`
}

// Load reads and parses the configuration file. The format is picked from
// the file extension: .toml is TOML, anything else is YAML (which also
// accepts JSON documents).
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	cfg.expandEnv()

	if cfg.Secret == "" && cfg.SecretFile != "" {
		secret, err := os.ReadFile(cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		cfg.Secret = strings.TrimSpace(string(secret))
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes configuration data without applying defaults or validation
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &cfg, nil
}

// expandEnv expands environment variables in string fields that name
// locations. The secret is deliberately left untouched.
func (c *Config) expandEnv() {
	c.Lockfile = os.ExpandEnv(c.Lockfile)
	c.SecretFile = os.ExpandEnv(c.SecretFile)
	c.LogDir = os.ExpandEnv(c.LogDir)
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.Git.URL = os.ExpandEnv(c.Git.URL)
	c.Git.CheckoutDir = os.ExpandEnv(c.Git.CheckoutDir)
	c.Git.SSHKeyFile = os.ExpandEnv(c.Git.SSHKeyFile)
	c.Status.ListenAddr = os.ExpandEnv(c.Status.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.TimerScale == 0 {
		c.TimerScale = MinTimerScale
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "raw/"
	}
	if c.Backend == "" {
		c.Backend = BackendGitHub
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.Shutdown.SecondSignal == "" {
		c.Shutdown.SecondSignal = SecondSignalExit
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Manifest) == 0 {
		return ErrEmptyManifest
	}

	seen := make(map[string]bool, len(c.Manifest))
	for i, entry := range c.Manifest {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return fmt.Errorf("manifest[%d]: name is required", i)
		}
		if name != entry.Name {
			return fmt.Errorf("manifest[%d]: name %q has surrounding whitespace", i, entry.Name)
		}
		if seen[name] {
			return fmt.Errorf("manifest[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		if entry.Link != "" && len(entry.Links) > 0 {
			return fmt.Errorf("manifest[%d] %q: only one of link or links may be set", i, name)
		}
		sources := entry.Sources()
		if len(sources) == 0 {
			return fmt.Errorf("manifest[%d] %q: link is required", i, name)
		}
		for _, link := range sources {
			if !isHTTPURL(link) {
				return fmt.Errorf("manifest[%d] %q: link must be an http(s) URL: %s", i, name, link)
			}
		}
	}

	if c.Lockfile == "" {
		return fmt.Errorf("lockfile is required")
	}
	if !isHTTPURL(c.Lockfile) {
		return fmt.Errorf("lockfile must be an http(s) URL: %s", c.Lockfile)
	}
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("one of secret or secret_file is required")
	}

	if c.TimerScale < MinTimerScale || c.TimerScale > MaxTimerScale {
		return fmt.Errorf("timer_scale must be between %d and %d, got %d", MinTimerScale, MaxTimerScale, c.TimerScale)
	}

	switch c.Backend {
	case BackendGitHub:
		if strings.Count(c.Repo, "/") != 1 {
			return fmt.Errorf("repo must be in owner/name form for the github backend: %s", c.Repo)
		}
	case BackendGit:
		if c.Git.URL == "" {
			return fmt.Errorf("git.url is required for the git backend")
		}
		if c.Git.CheckoutDir == "" {
			return fmt.Errorf("git.checkout_dir is required for the git backend")
		}
		if !filepath.IsAbs(c.Git.CheckoutDir) {
			return fmt.Errorf("git.checkout_dir must be an absolute path: %s", c.Git.CheckoutDir)
		}
	default:
		return fmt.Errorf("invalid backend: %s (must be github or git)", c.Backend)
	}

	switch c.Shutdown.SecondSignal {
	case SecondSignalExit, SecondSignalDrain:
		// valid
	default:
		return fmt.Errorf("invalid shutdown.second_signal: %s (must be exit or drain)", c.Shutdown.SecondSignal)
	}

	return nil
}

// Redacted returns a YAML rendering of the configuration with every
// occurrence of the secret replaced.
func (c *Config) Redacted() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return Redact(string(data), c.Secret)
}

// Redact replaces every exact occurrence of secret in s
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redactedSecret)
}

// Lines splits configuration-style text into logical lines: every line is
// trimmed, and blank lines and lines starting with "#" are dropped.
func Lines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
