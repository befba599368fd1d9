// Package scheduler is the single-threaded task loop at the center of the
// monitor (spec §4.4): it owns the hardware aggregate, multiplexes over the
// shutdown broadcast and the two task sources, runs every task to
// completion, and streams progress to the originating websocket.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hiveconfig"
	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/ipc"
	"github.com/hiverack/hive/internal/metrics"
	"github.com/hiverack/hive/internal/sandbox"
	"github.com/hiverack/hive/internal/signal"
	"github.com/hiverack/hive/internal/store"
	"github.com/hiverack/hive/internal/taskmgr"
	"github.com/hiverack/hive/internal/testprogram"
)

// Task errors surfaced in the final Results frame (spec §7).
var (
	ErrShutdown = errors.New("the testserver is shutting down and the test task was discarded")
)

// runnerError is raised when the runner exited without posting results; its
// source carries the captured output.
type runnerError struct {
	stdout string
	stderr string
}

func (e *runnerError) Error() string {
	return "failed to receive the test results from the runner"
}

func (e *runnerError) Source() string {
	return fmt.Sprintf("stdout: %s\n\nstderr: %s", e.stdout, e.stderr)
}

// timeoutError is raised when the runner exceeded its wall-clock deadline.
type timeoutError struct {
	limit time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("Runner binary took more than %.0f seconds to run. Is it deadlocked?", e.limit.Seconds())
}

// Scheduler owns the hardware for the lifetime of the monitor process;
// everything else only touches it through task results.
type Scheduler struct {
	cfg        *hiveconfig.Config
	hw         *hardware.HiveHardware
	configTree *store.Tree
	flags      *signal.DirtyFlags
	shutdown   <-chan struct{}

	tests   <-chan *taskmgr.TestTask
	reinits <-chan *taskmgr.ReinitTask
	results <-chan hivetypes.TestResults

	options  *ipc.OptionsHolder
	runner   sandbox.Runner
	watchdog *sandbox.Watchdog
	lookup   testprogram.MemoryMapLookup
	flasher  testprogram.Flasher
	breakers *circuitbreaker.RackCircuitBreakers

	lastBuildHash [32]byte
}

// Deps bundles the scheduler's collaborators; every field is required
// except Watchdog.
type Deps struct {
	Config     *hiveconfig.Config
	Hardware   *hardware.HiveHardware
	ConfigTree *store.Tree
	Flags      *signal.DirtyFlags
	Shutdown   <-chan struct{}
	Tests      <-chan *taskmgr.TestTask
	Reinits    <-chan *taskmgr.ReinitTask
	Results    <-chan hivetypes.TestResults
	Options    *ipc.OptionsHolder
	Runner     sandbox.Runner
	Watchdog   *sandbox.Watchdog
	Lookup     testprogram.MemoryMapLookup
	Flasher    testprogram.Flasher
	Breakers   *circuitbreaker.RackCircuitBreakers
}

func New(deps Deps) *Scheduler {
	return &Scheduler{
		cfg:        deps.Config,
		hw:         deps.Hardware,
		configTree: deps.ConfigTree,
		flags:      deps.Flags,
		shutdown:   deps.Shutdown,
		tests:      deps.Tests,
		reinits:    deps.Reinits,
		results:    deps.Results,
		options:    deps.Options,
		runner:     deps.Runner,
		watchdog:   deps.Watchdog,
		lookup:     deps.Lookup,
		flasher:    deps.Flasher,
		breakers:   deps.Breakers,
	}
}

// Run is the main loop: shutdown wins, then reinit, then test. Blocks until
// the shutdown broadcast fires.
func (s *Scheduler) Run() {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		// Reinit has priority when both sources have work, so give it a
		// non-blocking first pass before the fair select.
		select {
		case task := <-s.reinits:
			s.runReinit(task)
			continue
		default:
		}

		select {
		case <-s.shutdown:
			return
		case task := <-s.reinits:
			s.runReinit(task)
		case task := <-s.tests:
			s.runTest(task)
		}
	}
}

func (s *Scheduler) runReinit(task *taskmgr.ReinitTask) {
	start := time.Now()
	slog.Info("running hardware reinitialization task")

	err := s.reinitializeHardware(context.Background(), nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Warn("hardware reinitialization failed", "error", err)
	}
	task.Done <- err

	metrics.TasksTotal.WithLabelValues("reinit", outcome).Inc()
	metrics.TaskDuration.WithLabelValues("reinit").Observe(time.Since(start).Seconds())
}

func (s *Scheduler) runTest(task *taskmgr.TestTask) {
	start := time.Now()
	slog.Info("running test task", "task", task.ID)

	s.options.Set(task.Options)

	results, err := s.executeTest(context.Background(), task)
	if err != nil {
		results = hivetypes.TestResults{
			Status: hivetypes.ResultsError,
			Error:  &hivetypes.ResultsErrorDetail{Msg: err.Error(), Source: errSource(err)},
		}
	}

	task.Sink.Send(hivetypes.ResultsMsg(results))

	outcome := "ok"
	if results.Status == hivetypes.ResultsError {
		outcome = "error"
	}
	metrics.TasksTotal.WithLabelValues("test", outcome).Inc()
	metrics.TaskDuration.WithLabelValues("test").Observe(time.Since(start).Seconds())

	slog.Info("finished test task, reinitializing", "task", task.ID)
	if err := s.reinitializeHardware(context.Background(), nil); err != nil {
		slog.Warn("post-task hardware reinitialization failed", "error", err)
	}

	// Hold the sender side open until the websocket has delivered the
	// final frame and closed from its end.
	select {
	case <-task.Sink.ClientGone():
	case <-s.shutdown:
	}
}

func errSource(err error) string {
	var re *runnerError
	if errors.As(err, &re) {
		return re.Source()
	}
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		return unwrapped.Error()
	}
	return ""
}

// executeTest walks the §4.4 test sequence. Any returned error becomes the
// final Results frame's error payload.
func (s *Scheduler) executeTest(ctx context.Context, task *taskmgr.TestTask) (hivetypes.TestResults, error) {
	status := func(msg string) {
		task.Sink.Send(hivetypes.StatusMsg(msg))
	}

	status("Preparing runner binary")
	if err := s.writeRunnerBinary(task.RunnerBinary); err != nil {
		return hivetypes.TestResults{}, err
	}

	status("Reinitializing hardware")
	if err := s.reinitializeHardware(ctx, status); err != nil {
		return hivetypes.TestResults{}, err
	}

	// Drop the probe handles so the runner can reopen the USB devices
	// inside the sandbox; the descriptors stay for the post-task reinit.
	for _, tc := range s.hw.TestChannels {
		tc.UnlockProbe()
	}

	status("Starting runner and execute tests")
	slog.Info("starting runner in sandbox")
	proc, err := s.runner.Run(ctx, s.cfg.Paths.RunnerBinary)
	if err != nil {
		return hivetypes.TestResults{}, fmt.Errorf("failed to start the runner sandbox: %w", err)
	}

	// The runner may leave the hardware in any state.
	s.flags.MarkHardwareDirty()

	if s.watchdog != nil && s.watchdog.Enabled() && proc.PID > 0 {
		if stop, err := s.watchdog.Watch(proc.PID); err != nil {
			slog.Warn("failed to attach sandbox watchdog", "error", err)
		} else {
			defer stop()
		}
	}

	stdout, stderr, err := s.collectRunnerOutput(proc)
	if err != nil {
		return hivetypes.TestResults{}, err
	}
	if err := proc.Wait(); err != nil {
		slog.Warn("runner exited uncleanly", "error", err)
	}

	status("Collecting results")
	slog.Info("collecting results")
	select {
	case results, ok := <-s.results:
		if !ok {
			return hivetypes.TestResults{}, ErrShutdown
		}
		return results, nil
	default:
		return hivetypes.TestResults{}, &runnerError{stdout: stdout, stderr: stderr}
	}
}

// collectRunnerOutput reads the runner's pipes bounded by the configured
// wall-clock timeout, killing the process on deadline or shutdown.
func (s *Scheduler) collectRunnerOutput(proc *sandbox.Process) (string, string, error) {
	limit := time.Duration(s.cfg.Timeouts.RunnerBinaryTimeoutSec) * time.Second

	type output struct {
		stdout, stderr string
		err            error
	}
	done := make(chan output, 1)
	go func() {
		stdout, stderr, err := sandbox.CollectOutput(proc.Stdout, proc.Stderr, limit)
		done <- output{stdout, stderr, err}
	}()

	select {
	case out := <-done:
		if errors.Is(out.err, sandbox.ErrRunnerTimeout) {
			_ = proc.Kill()
			_ = proc.Wait()
			return out.stdout, out.stderr, &timeoutError{limit: limit}
		}
		return out.stdout, out.stderr, out.err
	case <-s.shutdown:
		_ = proc.Kill()
		_ = proc.Wait()
		return "", "", ErrShutdown
	}
}

func (s *Scheduler) writeRunnerBinary(binary []byte) error {
	path := s.cfg.Paths.RunnerBinary
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create runner directory: %w", err)
	}
	if err := os.WriteFile(path, binary, 0o777); err != nil {
		return fmt.Errorf("failed to write runner binary: %w", err)
	}
	// WriteFile's mode is masked by the umask; the runner must stay
	// executable for the sandbox's restricted uid.
	if err := os.Chmod(path, 0o777); err != nil {
		return fmt.Errorf("failed to mark runner binary executable: %w", err)
	}
	return nil
}

// reinitializeHardware consumes the dirty flags and performs whatever they
// demand: probe/target re-enumeration for the hardware flag, testprogram
// rebuild+flash for either flag. statusFn, when non-nil, receives
// user-facing progress detail (desyncs are surfaced there and recovered
// per-slot, never fatal).
func (s *Scheduler) reinitializeHardware(ctx context.Context, statusFn func(string)) error {
	hwDirty, programDirty := s.flags.Consume()
	if !hwDirty && !programDirty {
		return nil
	}

	surface := func(msg string) {
		slog.Warn(msg)
		if statusFn != nil {
			statusFn("Warning: " + msg)
		}
	}

	if hwDirty {
		if err := s.initTargetData(ctx, surface); err != nil {
			return err
		}
		if err := s.initProbeData(ctx, surface); err != nil {
			return err
		}

		for _, tc := range s.hw.TestChannels {
			descriptor := tc.ProbeDescriptor()
			if descriptor == nil {
				continue
			}
			if err := hardware.ResetProbeUSB(*descriptor); err != nil {
				slog.Warn("failed to reset usb interface of debug probe", "probe", descriptor.Identifier, "error", err)
			}
			if err := tc.ReinitializeProbe(ctx); err != nil {
				slog.Warn("failed to reinitialize debug probe, skipping it for subsequent monitor operations until reinitialization",
					"channel", tc.ID(), "error", err)
			}
		}
	}

	tp, err := s.activeTestprogram(ctx)
	if err != nil {
		return err
	}

	newHash, rebuilt, err := testprogram.SyncBinaries(ctx, s.cfg.Toolchain, tp, s.hw.Shields, s.lookup, s.lastBuildHash)
	if err != nil {
		return err
	}
	s.lastBuildHash = newHash
	if rebuilt {
		slog.Info("rebuilt testprogram binaries", "program", tp.Name)
	}

	statuses := testprogram.FlashTestbinaries(ctx, tp, s.hw.Shields, s.hw.TestChannels, s.flasher, s.breakers.Flash)
	okCount := 0
	for _, st := range statuses {
		if st.Result.OK() {
			okCount++
		}
	}
	metrics.RecordFlashStatuses(okCount, len(statuses)-okCount)

	return s.persistTargetData(ctx)
}

func (s *Scheduler) initTargetData(ctx context.Context, surface func(string)) error {
	data, err := store.Get(ctx, s.configTree, store.KeyAssignedTargets)
	if err != nil {
		return fmt.Errorf("failed to load target assignment: %w", err)
	}
	if data == nil {
		data = &hivetypes.TargetInitData{}
	}

	if err := s.hw.InitializeTargetData(*data); err != nil {
		var initErr *hardware.InitError
		if errors.As(err, &initErr) {
			surface(initErr.Error())
			return nil
		}
		return err
	}
	return nil
}

func (s *Scheduler) initProbeData(ctx context.Context, surface func(string)) error {
	data, err := store.Get(ctx, s.configTree, store.KeyAssignedProbes)
	if err != nil {
		return fmt.Errorf("failed to load probe assignment: %w", err)
	}
	if data == nil {
		data = &hivetypes.ProbeInitData{}
	}

	if err := s.hw.InitializeProbeData(ctx, *data); err != nil {
		var initErr *hardware.InitError
		if errors.As(err, &initErr) {
			surface(initErr.Error())
			return nil
		}
		return err
	}
	return nil
}

// activeTestprogram resolves the active program pointer into its on-disk
// directory.
func (s *Scheduler) activeTestprogram(ctx context.Context) (testprogram.TestProgram, error) {
	name, err := store.Get(ctx, s.configTree, store.KeyActiveTestprogram)
	if err != nil {
		return testprogram.TestProgram{}, fmt.Errorf("failed to load active testprogram pointer: %w", err)
	}
	if name == nil || *name == "" {
		return testprogram.TestProgram{}, errors.New("no active testprogram is configured")
	}
	return testprogram.TestProgram{
		Name: *name,
		Path: filepath.Join(s.cfg.Paths.TestprogramsDir, *name),
	}, nil
}

// persistTargetData refreshes the stored target assignment from runtime
// state, so the next runner sees the flash statuses and memory windows the
// pipeline just computed.
func (s *Scheduler) persistTargetData(ctx context.Context) error {
	var data hivetypes.TargetInitData
	for i, shield := range s.hw.Shields {
		if shield == nil {
			continue
		}
		if targets := shield.Targets(); targets != nil {
			copied := *targets
			data[i] = &copied
		}
	}
	if err := store.Insert(ctx, s.configTree, store.KeyAssignedTargets, data); err != nil {
		return fmt.Errorf("failed to persist refreshed target data: %w", err)
	}
	return nil
}
