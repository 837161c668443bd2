package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sem/internal/runner"
)

var (
	ErrNoGit          = errors.New("not a git repository")
	ErrDirtyRepo      = errors.New("repository has uncommitted changes")
	ErrCommitMismatch = errors.New("repository HEAD differs from the campaign commit")
)

// git runs a git subcommand in dir and returns its trimmed stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	exe := &runner.Executor{Program: "git"}
	res, err := exe.Execute(ctx, dir, append([]string{"-C", dir}, args...)...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s: git %s: %s",
			ErrNoGit, dir, strings.Join(args, " "), strings.TrimSpace(string(res.Stderr)))
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// headCommit returns the commit checked out in dir.
func headCommit(ctx context.Context, dir string) (string, error) {
	return git(ctx, dir, "rev-parse", "HEAD")
}

// isDirty reports whether dir has uncommitted changes to tracked or untracked
// files.
func isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}
