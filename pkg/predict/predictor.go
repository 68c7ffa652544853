package predict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes a command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args, env []string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ExitError reports a predictor that ran but failed.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, msg)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Options describe the predictor invocation.
type Options struct {
	Command       string
	Dataset       string
	Configuration string
	Folds         []string
	ExtraArgs     []string

	// Env is the full child environment; nil inherits the process environment.
	Env []string
}

// Predictor invokes the segmentation command line tool.
type Predictor struct {
	opts   Options
	runner Runner
	logger zerolog.Logger
}

// New creates a predictor with os/exec as the runner.
func New(opts Options, logger zerolog.Logger) *Predictor {
	if opts.Command == "" {
		opts.Command = "nnUNetv2_predict"
	}
	return &Predictor{opts: opts, runner: ExecRunner{}, logger: logger}
}

// WithRunner replaces the command runner.
func (p *Predictor) WithRunner(r Runner) *Predictor {
	p.runner = r
	return p
}

// Command returns the executable name.
func (p *Predictor) Command() string {
	return p.opts.Command
}

// Args builds the argument list for an input and output folder.
func (p *Predictor) Args(in, out string) []string {
	args := []string{"-i", in, "-o", out}
	if p.opts.Dataset != "" {
		args = append(args, "-d", p.opts.Dataset)
	}
	if p.opts.Configuration != "" {
		args = append(args, "-c", p.opts.Configuration)
	}
	if len(p.opts.Folds) > 0 {
		args = append(args, "-f")
		args = append(args, p.opts.Folds...)
	}
	return append(args, p.opts.ExtraArgs...)
}

// Run segments every image in in, writing label maps to out. Output is
// logged; a non-zero exit yields *ExitError carrying stderr.
func (p *Predictor) Run(ctx context.Context, in, out string) error {
	args := p.Args(in, out)
	p.logger.Info().Str("command", p.opts.Command).Strs("args", args).Msg("Running predictor")

	stdout, stderr, err := p.runner.Run(ctx, p.opts.Command, args, p.opts.Env)
	if s := strings.TrimSpace(string(stdout)); s != "" {
		p.logger.Info().Str("stdout", s).Msg("Predictor output")
	}
	if s := strings.TrimSpace(string(stderr)); s != "" {
		p.logger.Warn().Str("stderr", s).Msg("Predictor diagnostics")
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	exitErr := &ExitError{Command: p.opts.Command, ExitCode: -1, Stderr: string(stderr), Err: err}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.ExitCode = ee.ExitCode()
	}
	return exitErr
}
