package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

const defaultOutputFile = "./outputs/output.csv"

// JobResult is what happened when the sampler ran. A non-zero ExitCode is a
// failed job, not an orchestration error.
type JobResult struct {
	Command  string
	ExitCode int
	Start    time.Time
	End      time.Time
}

func (r JobResult) Success() bool { return r.ExitCode == 0 }

func (r JobResult) Elapsed() time.Duration { return r.End.Sub(r.Start) }

func (r JobResult) Status() RunStatus {
	if r.Success() {
		return RunStatusFinished
	}
	return RunStatusFailed
}

// JobRunner invokes a compiled model in sample mode.
type JobRunner struct {
	// OutputFile is passed to the sampler as-is; its directory must exist.
	OutputFile string
	Stdout     io.Writer
	Stderr     io.Writer
	// Shell runs the command line, "sh" when empty.
	Shell string
}

func (j *JobRunner) Command(m *Model, dataFile string) string {
	out := j.OutputFile
	if out == "" {
		out = defaultOutputFile
	}
	return fmt.Sprintf("%s sample data file=%s output file=%s", m.ExeFile, dataFile, out)
}

// Run executes the sample command and waits for it. The returned error is
// only for failures to start or wait on the shell; a sampler that exits
// non-zero is reported through JobResult.ExitCode.
func (j *JobRunner) Run(ctx context.Context, m *Model, dataFile string) (JobResult, error) {
	res := JobResult{Command: j.Command(m, dataFile)}
	shell := j.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", res.Command)
	cmd.Stdout = orDiscard(j.Stdout)
	cmd.Stderr = orDiscard(j.Stderr)

	res.Start = time.Now()
	err := cmd.Run()
	res.End = time.Now()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by a signal
			res.ExitCode = 128
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
		}
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("run %q: %w", res.Command, err)
	}
	return res, nil
}
