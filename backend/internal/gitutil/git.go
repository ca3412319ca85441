// Package gitutil provides read-only git queries and resolves commit details
// after the version-control agent ran.
package gitutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoCommits is returned when HEAD does not point to a commit yet.
var ErrNoCommits = errors.New("repository has no commits")

// CurrentBranch returns the checked out branch, including an unborn one in a
// repository without commits. A detached HEAD is reported as "HEAD".
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "--quiet", "--short", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	// symbolic-ref exits 1 without output on a detached HEAD; anything else
	// is not a usable checkout.
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 1 && len(ee.Stderr) == 0 {
		return "HEAD", nil
	}
	return "", fmt.Errorf("git symbolic-ref: %w", err)
}

// RepoName returns the repository directory name (last component of the
// top-level path).
func RepoName(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --show-toplevel: %w", err)
	}
	return filepath.Base(strings.TrimSpace(string(out))), nil
}

// LatestCommit returns the short hash of HEAD. It returns ErrNoCommits in an
// empty repository.
func LatestCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", "--short", "HEAD")
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() == 0 {
			// --quiet exits 1 silently when HEAD is unborn.
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitSubject returns the subject line of the given commit.
func CommitSubject(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%s", rev, "--") //nolint:gosec // rev comes from git itself.
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git log %s: %w", rev, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteURL returns the fetch URL of the named remote.
func RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", remote) //nolint:gosec // remote is configuration.
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url %s: %w: %s", remote, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitInfo describes the commit made by a cycle. The zero value means no
// commit could be found.
type CommitInfo struct {
	Hash    string
	URL     string // Empty when the remote link could not be resolved.
	Message string
}

// Resolver looks up the commit produced by the version-control agent.
type Resolver struct {
	Dir    string
	GH     string // Hosting CLI; defaults to "gh".
	Remote string // Defaults to "origin".
	Log    *slog.Logger
}

// Resolve returns the latest commit with its subject and, when the hosting
// CLI and a remote are available, a browsable URL. Failures degrade to a
// partial or empty CommitInfo and are only logged.
func (r *Resolver) Resolve(ctx context.Context) CommitInfo {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	hash, err := LatestCommit(ctx, r.Dir)
	if err != nil {
		log.Warn("commit lookup failed", "err", err)
		return CommitInfo{}
	}
	info := CommitInfo{Hash: hash}
	if msg, err := CommitSubject(ctx, r.Dir, hash); err != nil {
		log.Warn("commit subject lookup failed", "hash", hash, "err", err)
	} else {
		info.Message = msg
	}
	info.URL = r.browseURL(ctx, log, hash)
	return info
}

func (r *Resolver) browseURL(ctx context.Context, log *slog.Logger, hash string) string {
	remote := r.Remote
	if remote == "" {
		remote = "origin"
	}
	if _, err := RemoteURL(ctx, r.Dir, remote); err != nil {
		log.Debug("no remote, skipping commit link", "remote", remote)
		return ""
	}
	gh := r.GH
	if gh == "" {
		gh = "gh"
	}
	bin, err := exec.LookPath(gh)
	if err != nil {
		log.Debug("hosting CLI not found, skipping commit link", "cli", gh)
		return ""
	}
	cmd := exec.CommandContext(ctx, bin, "browse", hash, "--no-browser") //nolint:gosec // bin is configuration.
	cmd.Dir = r.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		log.Warn("commit link failed", "hash", hash, "err", err, "stderr", strings.TrimSpace(stderr.String()))
		return ""
	}
	u := strings.TrimSpace(string(out))
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		log.Warn("unexpected commit link", "hash", hash, "out", u)
		return ""
	}
	return u
}
