package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hiveconfig"
	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/ipc"
	"github.com/hiverack/hive/internal/sandbox"
	"github.com/hiverack/hive/internal/signal"
	"github.com/hiverack/hive/internal/store"
	"github.com/hiverack/hive/internal/taskmgr"
	"github.com/hiverack/hive/internal/testprogram"
	"github.com/hiverack/hive/internal/wsstream"
)

// emptyBus answers no address: an empty rack.
type emptyBus struct{}

func (emptyBus) Tx(addr uint16, w, r []byte) error { return errors.New("no device") }

type fakeLookup struct{}

func (fakeLookup) MemoryMap(ctx context.Context, targetName string, arch hivetypes.Architecture) (*hivetypes.Memory, error) {
	return nil, errors.New("unknown target")
}

type fakeFlasher struct{}

func (fakeFlasher) Flash(ctx context.Context, session hardware.Session, elfPath string) error {
	return nil
}

// fakeRunner simulates the sandboxed runner: optionally posting results to
// the IPC result channel before "exiting", or hanging past the deadline.
type fakeRunner struct {
	results chan<- hivetypes.TestResults
	post    *hivetypes.TestResults
	hang    bool
}

func (f *fakeRunner) Run(ctx context.Context, runnerBinaryPath string) (*sandbox.Process, error) {
	if f.post != nil {
		f.results <- *f.post
	}

	stdout := io.NopCloser(strings.NewReader("runner stdout"))
	stderr := io.NopCloser(strings.NewReader("runner stderr"))
	if f.hang {
		r, w := io.Pipe()
		stdout = r
		return &sandbox.Process{
			Stdout: stdout,
			Stderr: stderr,
			Kill:   func() error { return w.Close() },
			Wait:   func() error { return nil },
		}, nil
	}

	return &sandbox.Process{
		Stdout: stdout,
		Stderr: stderr,
		Kill:   func() error { return nil },
		Wait:   func() error { return nil },
	}, nil
}

type fixture struct {
	sched    *Scheduler
	results  chan hivetypes.TestResults
	shutdown chan struct{}
	tree     *store.Tree
}

func newFixture(t *testing.T, runner sandbox.Runner, results chan hivetypes.TestResults) *fixture {
	t.Helper()

	cfg := hiveconfig.Default()
	dir := t.TempDir()
	cfg.Paths.RunnerBinary = dir + "/runner"
	cfg.Paths.TestprogramsDir = dir + "/testprograms"
	cfg.Timeouts.RunnerBinaryTimeoutSec = 1

	db := store.Open(store.NewMemoryBackend(), time.Hour)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Insert(context.Background(), db.Config, store.KeyActiveTestprogram, "default"))

	shutdown := make(chan struct{})
	t.Cleanup(func() { close(shutdown) })

	sched := New(Deps{
		Config:     cfg,
		Hardware:   hardware.New(emptyBus{}, nil),
		ConfigTree: db.Config,
		Flags:      signal.NewDirtyFlags(),
		Shutdown:   shutdown,
		Tests:      make(chan *taskmgr.TestTask),
		Reinits:    make(chan *taskmgr.ReinitTask),
		Results:    results,
		Options:    ipc.NewOptionsHolder(),
		Runner:     runner,
		Lookup:     fakeLookup{},
		Flasher:    fakeFlasher{},
		Breakers:   circuitbreaker.NewRackCircuitBreakers(),
	})
	return &fixture{sched: sched, results: results, shutdown: shutdown, tree: db.Config}
}

// drainSink consumes a task's stream the way the websocket handler would,
// returning the statuses seen and the final results frame.
func drainSink(sink *wsstream.TaskSink, done chan<- hivetypes.TestResults) []string {
	var statuses []string
	for msg := range sink.C {
		if msg.Kind == hivetypes.RunnerMsgResults {
			sink.MarkClientGone()
			done <- msg.Results
			return statuses
		}
		statuses = append(statuses, msg.Status)
	}
	return statuses
}

func runTask(t *testing.T, f *fixture) (hivetypes.TestResults, []string) {
	t.Helper()
	task := taskmgr.NewTestTask([]byte("#!binary"), hivetypes.TestOptions{})
	task.Sink = wsstream.NewTaskSink()

	finalCh := make(chan hivetypes.TestResults, 1)
	statusCh := make(chan []string, 1)
	go func() { statusCh <- drainSink(task.Sink, finalCh) }()

	f.sched.runTest(task)

	select {
	case final := <-finalCh:
		return final, <-statusCh
	case <-time.After(5 * time.Second):
		t.Fatal("task did not deliver a results frame")
		return hivetypes.TestResults{}, nil
	}
}

func TestEmptyRackTaskSucceedsWithNoResults(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	runner := &fakeRunner{results: results, post: &hivetypes.TestResults{Status: hivetypes.ResultsOK}}
	f := newFixture(t, runner, results)

	final, statuses := runTask(t, f)

	assert.Equal(t, hivetypes.ResultsOK, final.Status)
	assert.Empty(t, final.Results)
	assert.Equal(t, []string{
		"Preparing runner binary",
		"Reinitializing hardware",
		"Starting runner and execute tests",
		"Collecting results",
	}, statuses)
}

func TestRunnerWithoutResultsFailsTask(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	f := newFixture(t, &fakeRunner{results: results}, results)

	final, _ := runTask(t, f)

	require.Equal(t, hivetypes.ResultsError, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Msg, "failed to receive the test results")
	assert.Contains(t, final.Error.Source, "runner stdout")
	assert.Contains(t, final.Error.Source, "runner stderr")
}

func TestDeadlockedRunnerTimesOut(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	f := newFixture(t, &fakeRunner{results: results, hang: true}, results)

	final, _ := runTask(t, f)

	require.Equal(t, hivetypes.ResultsError, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Msg, "took more than 1 seconds to run")
}

func TestRunnerLeavesHardwareDirty(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	runner := &fakeRunner{results: results, post: &hivetypes.TestResults{Status: hivetypes.ResultsOK}}
	f := newFixture(t, runner, results)

	runTask(t, f)

	// runTest's final reinit consumed the dirty flag the runner set; a
	// second consume must find everything clean.
	hw, program := f.sched.flags.Consume()
	assert.False(t, hw)
	assert.False(t, program)
}

func TestReinitTaskCompletesOneShot(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	f := newFixture(t, &fakeRunner{results: results}, results)

	task := taskmgr.NewReinitTask()
	f.sched.runReinit(task)

	select {
	case err := <-task.Done:
		assert.NoError(t, err)
	default:
		t.Fatal("reinit one-shot was not completed")
	}
}

func TestMissingActiveProgramFailsReinit(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	f := newFixture(t, &fakeRunner{results: results}, results)
	_, err := store.Remove(context.Background(), f.tree, store.KeyActiveTestprogram)
	require.NoError(t, err)

	task := taskmgr.NewReinitTask()
	f.sched.runReinit(task)

	select {
	case err := <-task.Done:
		assert.Error(t, err)
	default:
		t.Fatal("reinit one-shot was not completed")
	}
}

func TestTargetDataPersistedAfterReinit(t *testing.T) {
	results := make(chan hivetypes.TestResults, 1)
	f := newFixture(t, &fakeRunner{results: results}, results)

	task := taskmgr.NewReinitTask()
	f.sched.runReinit(task)
	<-task.Done

	// The refreshed (empty) target assignment must have been written back.
	data, err := store.Get(context.Background(), f.tree, store.KeyAssignedTargets)
	require.NoError(t, err)
	require.NotNil(t, data)
	for _, shield := range data {
		assert.Nil(t, shield)
	}
}

// Guard the ELF naming scheme the scheduler's build/flash path relies on.
func TestActiveProgramELFPath(t *testing.T) {
	tp := testprogram.TestProgram{Name: "default", Path: "/data/testprograms/default"}
	mem := hivetypes.Memory{
		NVM: hivetypes.MemoryRange{Start: 0x08000000, End: 0x08008000},
		RAM: hivetypes.MemoryRange{Start: 0x20000000, End: 0x20001000},
	}
	assert.Equal(t, "/data/testprograms/default/arm/main_0x8000000_0x20000000.elf",
		tp.ELFPath(hivetypes.ArchitectureARM, mem))
}
