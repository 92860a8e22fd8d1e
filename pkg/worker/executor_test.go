package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/protocol"
)

// outputCollector is a threadsafe OutputSink for tests.
type outputCollector struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (o *outputCollector) sink(stream string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if stream == "stderr" {
		o.stderr.Write(data)
		return
	}
	o.stdout.Write(data)
}

func (o *outputCollector) out() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String()
}

func (o *outputCollector) err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stderr.String()
}

func TestExecutorRunsCommand(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	res := e.Run(context.Background(), protocol.JobDefinition{
		ID:      "j-1",
		Command: []string{"echo", "hello"},
	}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateSuccess, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Error)
	assert.Contains(t, out.out(), "hello")
}

func TestExecutorRunsScript(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	res := e.Run(context.Background(), protocol.JobDefinition{
		ID:     "j-1",
		Script: "echo to-stdout && echo to-stderr 1>&2",
	}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateSuccess, res.State)
	assert.Contains(t, out.out(), "to-stdout")
	assert.Contains(t, out.err(), "to-stderr")
}

func TestExecutorReportsExitCode(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	res := e.Run(context.Background(), protocol.JobDefinition{
		ID:     "j-1",
		Script: "exit 3",
	}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateFailed, res.State)
	assert.Equal(t, 3, res.ExitCode)
	assert.NotEmpty(t, res.Error)
}

func TestExecutorEnvAndWorkingDir(t *testing.T) {
	e := NewExecutor()
	var out outputCollector
	dir := t.TempDir()

	res := e.Run(context.Background(), protocol.JobDefinition{
		ID:     "j-1",
		Script: "echo \"$DROVER_TEST_VALUE\" > marker.txt",
		Env:    map[string]string{"DROVER_TEST_VALUE": "injected"},
	}, dir, out.sink)

	require.Equal(t, protocol.StateSuccess, res.State)
	content, err := os.ReadFile(filepath.Join(dir, "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "injected\n", string(content))
}

func TestExecutorTimeout(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	start := time.Now()
	res := e.Run(context.Background(), protocol.JobDefinition{
		ID:             "j-1",
		Script:         "sleep 30",
		TimeoutSeconds: 1,
	}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateFailed, res.State)
	assert.Contains(t, res.Error, "timed out after 1s")
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestExecutorCancel(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := e.Run(ctx, protocol.JobDefinition{
		ID:     "j-1",
		Script: "sleep 30",
	}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateCancelled, res.State)
	assert.Equal(t, "job cancelled", res.Error)
}

func TestExecutorEmptyPayload(t *testing.T) {
	e := NewExecutor()
	var out outputCollector

	res := e.Run(context.Background(), protocol.JobDefinition{ID: "j-1"}, t.TempDir(), out.sink)

	assert.Equal(t, protocol.StateFailed, res.State)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Error, "no command or script")
}

func TestExecutorSignalUnknownJob(t *testing.T) {
	e := NewExecutor()

	err := e.Signal("absent", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running process")
}
