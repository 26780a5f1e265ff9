// Package gitsync publishes ledger changes through a git repository using
// optimistic concurrency: commit locally, rebase onto the remote, push. A
// rebase conflict aborts cleanly and leaves the commit local; the next
// cycle retries with cumulative state.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrWriteConflict is returned when integrating remote changes fails and
// the rebase was aborted. The local commit survives.
var ErrWriteConflict = errors.New("gitsync: rebase conflict, changes kept local")

// Runner executes one git command in a directory and returns its combined
// output. Swappable in tests.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// GitRunner shells out to the git CLI.
func GitRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Syncer commits and publishes ledger document paths.
type Syncer struct {
	dir    string
	run    Runner
	noPush bool
	logger *slog.Logger
}

// New creates a syncer for the repository at dir. A nil runner uses the
// git CLI.
func New(dir string, run Runner, noPush bool, logger *slog.Logger) *Syncer {
	if run == nil {
		run = GitRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{dir: dir, run: run, noPush: noPush, logger: logger}
}

// Publish stages only the given ledger paths, commits, rebases onto the
// remote, and pushes. Returns nil with no commit when nothing changed.
// A push failure is reported but does not roll back the local commit.
func (s *Syncer) Publish(ctx context.Context, paths []string, summary string) error {
	if len(paths) == 0 {
		return nil
	}

	if _, err := s.run(ctx, s.dir, append([]string{"add", "--"}, paths...)...); err != nil {
		return fmt.Errorf("stage ledger paths: %w", err)
	}

	// Nothing staged means the documents were rewritten byte-identical.
	if _, err := s.run(ctx, s.dir, "diff", "--cached", "--quiet"); err == nil {
		s.logger.Debug("gitsync: nothing staged, skipping commit")
		return nil
	}

	msg := fmt.Sprintf("cycle update %s (%s)", time.Now().UTC().Format(time.RFC3339), summary)
	if _, err := s.run(ctx, s.dir, "commit", "-m", msg); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if _, err := s.run(ctx, s.dir, "pull", "--rebase"); err != nil {
		s.logger.Warn("gitsync: rebase failed, aborting", "error", err)
		if _, abortErr := s.run(ctx, s.dir, "rebase", "--abort"); abortErr != nil {
			s.logger.Warn("gitsync: rebase abort failed", "error", abortErr)
		}
		return ErrWriteConflict
	}

	if s.noPush {
		s.logger.Info("gitsync: push disabled, commit kept local")
		return nil
	}
	if _, err := s.run(ctx, s.dir, "push"); err != nil {
		// The commit stays; the next cycle's push carries it.
		s.logger.Warn("gitsync: push failed, commit kept local", "error", err)
		return nil
	}
	s.logger.Info("gitsync: published ledger changes", "paths", len(paths))
	return nil
}
