// Package gitrepo wraps the external git binary behind a small port so the
// orchestration layer can be tested against a fake runner.
//
// All git-specific argument construction lives here. Operations distinguish
// "nothing to do" (a false return) from genuine command failure (a
// *GitOperationError carrying captured stderr); callers rely on that split
// to decide between skipping work and failing a task.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/models"
)

// GitOperationError reports a git command that exited non-zero. Stderr holds
// the captured error output.
type GitOperationError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *GitOperationError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gitrepo: %s failed: %s", e.Op, msg)
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// InvalidCommitMessageError reports a commit message that failed validation.
type InvalidCommitMessageError struct {
	Reason string
}

func (e *InvalidCommitMessageError) Error() string {
	return "gitrepo: invalid commit message: " + e.Reason
}

// maxCommitMessageLen bounds commit messages built from page paths.
const maxCommitMessageLen = 1000

// ValidateCommitMessage trims and validates a commit message. Messages are
// internally generated in practice, so this is primarily a defensive
// invariant.
func ValidateCommitMessage(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &InvalidCommitMessageError{Reason: "empty"}
	}
	if len(message) > maxCommitMessageLen {
		return "", &InvalidCommitMessageError{Reason: fmt.Sprintf("too long (max %d characters)", maxCommitMessageLen)}
	}
	if strings.ContainsRune(message, 0) {
		return "", &InvalidCommitMessageError{Reason: "contains null byte"}
	}
	return message, nil
}

// Runner executes a git command in dir and returns captured output. The
// returned error is non-nil for non-zero exits and spawn failures.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

// Run executes "git args..." in dir with stdout and stderr captured
// separately.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Repo exposes the git operations the wiki needs against a single working
// copy. A mutex serializes operations: concurrent git commands against the
// same working copy corrupt the index.
type Repo struct {
	dir       string
	remoteURL string
	branch    string
	timeout   time.Duration
	runner    Runner

	mu sync.Mutex
}

// New creates a Repo for the working copy at dir. remoteURL and branch may
// be empty for local-only repositories. timeout bounds each git command;
// zero means no timeout.
func New(dir, remoteURL, branch string, timeout time.Duration, runner Runner) *Repo {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Repo{
		dir:       dir,
		remoteURL: remoteURL,
		branch:    branch,
		timeout:   timeout,
		runner:    runner,
	}
}

// Dir returns the working copy directory.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) run(ctx context.Context, op string, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	stdout, stderr, err := r.runner.Run(ctx, r.dir, args...)
	if err != nil {
		return stdout, &GitOperationError{Op: op, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// EnsureRepo makes sure the working copy exists: clones the remote when one
// is configured, otherwise initializes an empty repository with the pages
// and attachments trees.
func (r *Repo) EnsureRepo(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("gitrepo: mkdir %s: %w", r.dir, err)
	}
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remoteURL != "" {
		args := []string{"clone"}
		if r.branch != "" {
			args = append(args, "--branch", r.branch)
		}
		args = append(args, r.remoteURL, ".")
		if _, err := r.run(ctx, "clone", args...); err != nil {
			return err
		}
		return nil
	}

	if _, err := r.run(ctx, "init", "init"); err != nil {
		return err
	}
	for _, sub := range []string{"pages", "attachments"} {
		if err := os.MkdirAll(filepath.Join(r.dir, sub), 0o755); err != nil {
			return fmt.Errorf("gitrepo: mkdir %s: %w", sub, err)
		}
	}
	return nil
}

// CommitAndPush stages everything, commits with the given message, and
// pushes when a remote is configured. Returns false when there is nothing
// to commit.
func (r *Repo) CommitAndPush(ctx context.Context, message string) (bool, error) {
	message, err := ValidateCommitMessage(message)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.run(ctx, "add", "add", "-A"); err != nil {
		return false, err
	}

	status, err := r.run(ctx, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := r.run(ctx, "commit", "commit", "-m", message); err != nil {
		return false, err
	}

	hasRemote, err := r.hasRemote(ctx)
	if err != nil {
		return false, err
	}
	if hasRemote {
		args := []string{"push"}
		if r.branch != "" {
			args = append(args, "origin", r.branch)
		}
		if _, err := r.run(ctx, "push", args...); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Pull rebases onto the remote. Returns false when no remote is configured,
// which callers treat as a successful no-op.
func (r *Repo) Pull(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hasRemote, err := r.hasRemote(ctx)
	if err != nil {
		return false, err
	}
	if !hasRemote {
		return false, nil
	}

	args := []string{"pull", "--rebase"}
	if r.branch != "" {
		args = append(args, "origin", r.branch)
	}
	if _, err := r.run(ctx, "pull", args...); err != nil {
		return false, err
	}
	return true, nil
}

// RecentChanges returns the last commits with the page paths each touched.
// limit is clamped into [1, 1000].
func (r *Repo) RecentChanges(ctx context.Context, limit int) ([]models.ChangeEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.run(ctx, "log", "log", fmt.Sprintf("-%d", limit), "--name-only", "--pretty=format:%H|%ai|%s")
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func (r *Repo) hasRemote(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "remote", "remote")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// parseLog parses "--name-only --pretty=format:%H|%ai|%s" output. Only
// files under pages/ are reported, translated back into page paths.
func parseLog(out string) []models.ChangeEntry {
	var changes []models.ChangeEntry
	var current *models.ChangeEntry

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, "|") {
			parts := strings.SplitN(line, "|", 3)
			if len(parts) == 3 {
				changes = append(changes, models.ChangeEntry{
					SHA:     parts[0],
					Date:    parts[1],
					Message: parts[2],
				})
				current = &changes[len(changes)-1]
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || current == nil {
			continue
		}
		if strings.HasPrefix(line, "pages/") && strings.HasSuffix(line, ".md") {
			current.Pages = append(current.Pages, strings.TrimSuffix(strings.TrimPrefix(line, "pages/"), ".md"))
		}
	}
	return changes
}

// SourceURL derives the GitHub web URL for a page's markdown file from the
// configured remote. Returns "" when the remote is unset or not GitHub.
func (r *Repo) SourceURL(pagePath string) string {
	if r.remoteURL == "" {
		return ""
	}
	branch := r.branch
	if branch == "" {
		branch = "main"
	}

	trimmed := strings.TrimSuffix(r.remoteURL, ".git")
	var orgRepo string
	switch {
	case strings.HasPrefix(trimmed, "git@github.com:"):
		orgRepo = strings.TrimPrefix(trimmed, "git@github.com:")
	case strings.HasPrefix(trimmed, "https://github.com/"):
		orgRepo = strings.TrimPrefix(trimmed, "https://github.com/")
	case strings.HasPrefix(trimmed, "http://github.com/"):
		orgRepo = strings.TrimPrefix(trimmed, "http://github.com/")
	default:
		return ""
	}
	if orgRepo == "" || !strings.Contains(orgRepo, "/") {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/blob/%s/pages/%s.md", orgRepo, branch, pagePath)
}
