package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides git operations for the mirror checkout
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// CommitAndPush commits path in destDir and pushes HEAD to ref on origin
	CommitAndPush(ctx context.Context, url, ref, destDir, path, message string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile string
	token      string
	author     string
}

// NewShellClient creates a new git client that uses the git command.
// token authenticates HTTPS remotes, author names the committer.
func NewShellClient(sshKeyFile, token, author string) *ShellClient {
	return &ShellClient{
		sshKeyFile: sshKeyFile,
		token:      token,
		author:     author,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		c.configureAuth(cmd, url)

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "origin")
		c.configureAuth(cmd, url)

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Direct checkout covers local branches; origin/<ref> covers a remote
	// branch that has no local counterpart yet.
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		remoteRef := "origin/" + ref
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", remoteRef)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// Drops local commits a failed push left behind.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = c.runCommand(resetCmd)
	}

	return c.head(ctx, destDir)
}

// CommitAndPush stages path, commits it with message and pushes to ref
func (c *ShellClient) CommitAndPush(ctx context.Context, url, ref, destDir, path, message string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "add", "--", path)
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git",
		"-c", "user.name="+c.author,
		"-c", "user.email="+c.author+"@users.noreply.github.com",
		"-C", destDir, "commit", "-m", message, "--", path)
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "push", "origin", "HEAD:"+ref)
	c.configureAuth(cmd, url)
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git push failed: %w", err)
	}

	return c.head(ctx, destDir)
}

func (c *ShellClient) head(ctx context.Context, destDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted since GIT_SSH_COMMAND goes through sh.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return
	}

	if c.token != "" && strings.HasPrefix(url, "https://") {
		// The token travels in the environment and a credential helper
		// echoes it, so it never shows up in argv.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "MIRRORD_GIT_TOKEN="+c.token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$MIRRORD_GIT_TOKEN"; }; f`,
		)
	}
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
