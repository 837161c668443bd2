package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"sem/internal/campaign"
	"sem/internal/core"
	"sem/internal/database"
	"sem/internal/results"
	"sem/internal/runner"
)

const (
	ExitSuccess           = 0
	ExitSimulationFailure = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// configErrors are failures caused by the campaign or its setup rather than
// by the command line or a simulation.
var configErrors = []error{
	database.ErrCampaignExists,
	database.ErrNoCampaign,
	database.ErrParamMismatch,
	database.ErrUnknownParam,
	campaign.ErrNoGit,
	campaign.ErrDirtyRepo,
	campaign.ErrCommitMismatch,
	runner.ErrUnknownRunner,
	runner.ErrExecutableNotFound,
	runner.ErrNoBuildSystem,
	results.ErrRagged,
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var simErr *runner.SimulationError
	if errors.As(err, &simErr) {
		return ExitSimulationFailure
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitSimulationFailure
	}
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return ExitConfigError
		}
	}
	return ExitInternalError
}

// parseParams turns repeated name=value flags into a space. Repeating a
// name adds a value to its axis; axes keep the order names first appear in.
func parseParams(flags []string) (core.Space, error) {
	var space core.Space
	index := map[string]int{}
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, invalidInvocationf("invalid --param %q (expected name=value)", f)
		}
		v := core.ParseValue(raw)
		if i, seen := index[name]; seen {
			space[i].Values = append(space[i].Values, v)
			continue
		}
		index[name] = len(space)
		space = append(space, core.Axis{Name: name, Values: []any{v}})
	}
	return space, nil
}

// mergeSpaces overlays the axes of top onto base, replacing axes with the
// same name in place and appending new ones.
func mergeSpaces(base, top core.Space) core.Space {
	out := append(core.Space(nil), base...)
	for _, ax := range top {
		replaced := false
		for i := range out {
			if out[i].Name == ax.Name {
				out[i] = ax
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, ax)
		}
	}
	return out
}

// resolvePath makes p absolute against dir; absolute paths are kept.
func resolvePath(dir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(dir, clean)), nil
}
