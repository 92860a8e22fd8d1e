package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/protocol"
)

// killDelay is how long a terminated process gets to exit before the
// executor escalates to SIGKILL.
const killDelay = 10 * time.Second

// OutputSink receives stdout/stderr content as the job produces it.
type OutputSink func(stream string, data []byte)

// ExecResult is the terminal outcome of one job execution.
type ExecResult struct {
	State    protocol.JobState // success, failed, or cancelled
	ExitCode int
	Error    string
}

// Executor runs job payloads as host processes. A command list runs
// directly; an inline script runs through the shell. Each job gets its
// own process group so control signals reach the whole tree.
type Executor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewExecutor returns an executor with no running jobs.
func NewExecutor() *Executor {
	return &Executor{
		logger:  log.WithComponent("executor"),
		running: make(map[string]*exec.Cmd),
	}
}

// Run executes def in dir and blocks until the process exits. Output
// is streamed through sink as it is produced. Cancelling ctx stops the
// process (SIGTERM, then SIGKILL after killDelay) and yields a
// cancelled result; exceeding the definition's timeout yields a failed
// result.
func (e *Executor) Run(ctx context.Context, def protocol.JobDefinition, dir string, sink OutputSink) ExecResult {
	runCtx := ctx
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var cmd *exec.Cmd
	switch {
	case len(def.Command) > 0:
		cmd = exec.CommandContext(runCtx, def.Command[0], def.Command[1:]...)
	case def.Script != "":
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", def.Script)
	default:
		return ExecResult{State: protocol.StateFailed, ExitCode: -1, Error: "job has no command or script"}
	}

	cmd.Dir = dir
	cmd.Env = mergeEnv(def.Env)
	cmd.Stdout = &streamWriter{stream: "stdout", sink: sink}
	cmd.Stderr = &streamWriter{stream: "stderr", sink: sink}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = killDelay

	if err := cmd.Start(); err != nil {
		return ExecResult{
			State:    protocol.StateFailed,
			ExitCode: -1,
			Error:    fmt.Sprintf("failed to start job process: %v", err),
		}
	}

	e.mu.Lock()
	e.running[def.ID] = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, def.ID)
		e.mu.Unlock()
	}()

	e.logger.Debug().
		Str("job_id", def.ID).
		Int("pid", cmd.Process.Pid).
		Msg("Job process started")

	err := cmd.Wait()

	switch {
	case err == nil:
		return ExecResult{State: protocol.StateSuccess, ExitCode: 0}
	case ctx.Err() == context.Canceled:
		return ExecResult{State: protocol.StateCancelled, ExitCode: exitCode(err), Error: "job cancelled"}
	case runCtx.Err() == context.DeadlineExceeded:
		return ExecResult{
			State:    protocol.StateFailed,
			ExitCode: exitCode(err),
			Error:    fmt.Sprintf("job timed out after %ds", def.TimeoutSeconds),
		}
	default:
		return ExecResult{State: protocol.StateFailed, ExitCode: exitCode(err), Error: err.Error()}
	}
}

// Signal delivers sig to a running job's process group.
func (e *Executor) Signal(jobID string, sig syscall.Signal) error {
	e.mu.Lock()
	cmd := e.running[jobID]
	e.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("no running process for job %s", jobID)
	}
	return signalGroup(cmd, sig)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// streamWriter forwards process output to the sink. The exec package
// may reuse the buffer after Write returns, so the content is copied.
type streamWriter struct {
	stream string
	sink   OutputSink
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) > 0 && w.sink != nil {
		data := make([]byte, len(p))
		copy(data, p)
		w.sink(w.stream, data)
	}
	return len(p), nil
}
