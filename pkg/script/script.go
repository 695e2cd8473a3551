// pkg/script/script.go

// Package script runs package maintainer scripts
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/charmbracelet/log"
)

// Shell runs script bodies with /bin/sh -c. The script sees the caller's
// environment plus PACKAGE_NAME, PACKAGE_VERSION, INSTALL_ROOT and
// MPKG_PHASE.
type Shell struct {
	Path   string // shell binary, /bin/sh by default
	Dir    string // working directory, INSTALL_ROOT by default
	Logger *log.Logger
}

// Run executes body and returns its exit code. A non-zero exit is not an
// error; failing to start the shell or cancellation is.
func (s *Shell) Run(ctx context.Context, body string, env core.ScriptEnv) (int, error) {
	if strings.TrimSpace(body) == "" {
		return 0, nil
	}
	shell := s.Path
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", body)
	cmd.Env = append(os.Environ(), env.Environ()...)
	cmd.Dir = s.Dir
	if cmd.Dir == "" {
		cmd.Dir = env.InstallRoot
	}

	logger := core.LoggerOr(s.Logger).WithPrefix("script")
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		logger.Debug("script output", "package", env.PackageName, "phase", env.Phase, "output", strings.TrimSpace(string(out)))
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("running %s script for %s: %w", env.Phase, env.PackageName, err)
	}
	return 0, nil
}

// Func adapts a function to core.ScriptRunner
type Func func(ctx context.Context, body string, env core.ScriptEnv) (int, error)

func (f Func) Run(ctx context.Context, body string, env core.ScriptEnv) (int, error) {
	return f(ctx, body, env)
}

// Recorder is a ScriptRunner that records every invocation and returns the
// exit code configured for a body.
type Recorder struct {
	Calls []Call
	Exit  map[string]int
}

// Call is one recorded script invocation
type Call struct {
	Body string
	Env  core.ScriptEnv
}

func (r *Recorder) Run(ctx context.Context, body string, env core.ScriptEnv) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	r.Calls = append(r.Calls, Call{Body: body, Env: env})
	return r.Exit[body], nil
}

// Phases returns "package:phase" for each recorded call
func (r *Recorder) Phases() []string {
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, c.Env.PackageName+":"+c.Env.Phase)
	}
	return out
}
