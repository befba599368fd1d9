// The runner executes inside the monitor's sandbox: it pulls the hardware
// inventory and test options over the IPC socket, attaches probes, runs
// every registered user test, and posts the aggregate results back. User
// test packages register themselves via runnertest.Register in their init
// functions and are linked into this binary at build time.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hiveconfig"
	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/ipc"
	"github.com/hiverack/hive/internal/probeadapter"
	"github.com/hiverack/hive/internal/runnertest"
)

func main() {
	cfg := hiveconfig.Get()
	setupLogging(cfg.Paths.LogsDir)

	ctx, cancel := context.WithTimeout(context.Background(), 280*time.Second)
	defer cancel()

	client := ipc.NewClient(cfg.Paths.IPCSocket)

	if err := run(ctx, cfg, client); err != nil {
		slog.Error("runner failed", "error", err)
		// Best effort: tell the monitor why, so the task fails with a
		// reason instead of an empty result channel.
		results := hivetypes.Errorf(err.Error())
		if postErr := client.PostResults(ctx, results); postErr != nil {
			slog.Error("failed to post failure results", "error", postErr)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *hiveconfig.Config, client *ipc.Client) error {
	probeData, err := client.ProbeData(ctx)
	if err != nil {
		return fmt.Errorf("fetch probe data: %w", err)
	}
	targetData, err := client.TargetData(ctx)
	if err != nil {
		return fmt.Errorf("fetch target data: %w", err)
	}
	defines, err := client.Defines(ctx)
	if err != nil {
		return fmt.Errorf("fetch defines: %w", err)
	}
	options, err := client.Options(ctx)
	if err != nil {
		return fmt.Errorf("fetch test options: %w", err)
	}

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("initialize host peripherals: %w", err)
	}
	bus, err := i2creg.Open(cfg.Rack.I2CBus)
	if err != nil {
		return fmt.Errorf("open i2c bus: %w", err)
	}
	defer bus.Close()

	probeCLI := probeadapter.New(os.Getenv("HIVE_PROBE_RS_BIN"))
	hw := hardware.New(bus, probeCLI)

	// The monitor's view and the runner's own detection must agree; a
	// desync here means the hardware changed between flash and test, which
	// the monitor recovers from at post-task reinit.
	if err := hw.InitializeTargetData(targetData); err != nil {
		return fmt.Errorf("target data desync: %w", err)
	}
	if err := hw.InitializeProbeData(ctx, probeData); err != nil {
		return fmt.Errorf("probe data desync: %w", err)
	}

	slog.Info("hardware initialized, running tests")
	results := runnertest.RunAll(ctx, hw, defines, options)

	slog.Info("test run complete", "results", len(results))
	if err := client.PostResults(ctx, hivetypes.OK(results)); err != nil {
		return fmt.Errorf("post results: %w", err)
	}
	return nil
}

// setupLogging writes to stderr and, when the log directory is writable
// (it is rw-bound into the sandbox), to a runner log file as well.
func setupLogging(logsDir string) {
	var w io.Writer = os.Stderr
	if f, err := os.OpenFile(filepath.Join(logsDir, "runner.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		w = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
}
