// The monitor is the rack-side daemon: it owns the hardware, accepts test
// and reinit requests over HTTP, runs the scheduler, and serves the IPC
// socket the sandboxed runner talks to.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hiveconfig"
	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/ipc"
	"github.com/hiverack/hive/internal/probeadapter"
	"github.com/hiverack/hive/internal/sandbox"
	"github.com/hiverack/hive/internal/scheduler"
	"github.com/hiverack/hive/internal/signal"
	"github.com/hiverack/hive/internal/store"
	"github.com/hiverack/hive/internal/taskmgr"
	"github.com/hiverack/hive/internal/wsstream"
)

func main() {
	standalone := flag.Bool("standalone", false, "run without a live config store backend; state is read from the local db snapshot")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	cfg := hiveconfig.Get()
	setupLogging(cfg)

	shutdown := signal.NewBroadcaster()
	go func() {
		sigCh := make(chan os.Signal, 1)
		ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		shutdown.Shutdown()
	}()

	db := openStore(cfg, *standalone)
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to flush config store on shutdown", "error", err)
		}
	}()

	if _, err := host.Init(); err != nil {
		slog.Error("failed to initialize host peripherals", "error", err)
		os.Exit(1)
	}
	bus, err := i2creg.Open(cfg.Rack.I2CBus)
	if err != nil {
		slog.Error("failed to open i2c bus", "bus", cfg.Rack.I2CBus, "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	probeCLI := probeadapter.New(os.Getenv("HIVE_PROBE_RS_BIN"))
	hw := hardware.New(bus, probeCLI)
	slog.Info("hardware detected", "shields", countShields(hw))

	flags := signal.NewDirtyFlags()
	options := ipc.NewOptionsHolder()
	defines := ipc.NewDefinesHolder()
	resultCh := make(chan hivetypes.TestResults, 1)

	ipcServer := ipc.NewServer(cfg.Paths.IPCSocket, db.Config, options, defines, resultCh, shutdown.Subscribe())
	go func() {
		if err := ipcServer.ListenAndServe(); err != nil {
			slog.Error("ipc server failed", "error", err)
			shutdown.Shutdown()
		}
	}()

	manager := taskmgr.New(time.Duration(cfg.Timeouts.WSConnectTimeoutSecs)*time.Second, shutdown.Subscribe())
	go manager.Run()

	streamer := wsstream.NewStreamer(shutdown.Subscribe())
	admission := taskmgr.NewServer(manager, streamer)
	// No ReadTimeout: the socket endpoint upgrades to long-lived
	// websockets, whose deadlines the streamer manages itself.
	httpServer := &http.Server{
		Addr:              cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:           admission.Router(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	go func() {
		slog.Info("admission server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admission server failed", "error", err)
			shutdown.Shutdown()
		}
	}()
	go func() {
		<-shutdown.Subscribe()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	sched := scheduler.New(scheduler.Deps{
		Config:     cfg,
		Hardware:   hw,
		ConfigTree: db.Config,
		Flags:      flags,
		Shutdown:   shutdown.Subscribe(),
		Tests:      manager.TestSource(),
		Reinits:    manager.ReinitSource(),
		Results:    resultCh,
		Options:    options,
		Runner:     newSandboxRunner(cfg),
		Watchdog:   sandbox.NewWatchdog(os.Getenv("HIVE_WATCHDOG_BPF")),
		Lookup:     probeCLI,
		Flasher:    probeadapter.Flasher{},
		Breakers:   circuitbreaker.NewRackCircuitBreakers(),
	})

	slog.Info("monitor started, entering scheduler loop")
	sched.Run()
	slog.Info("scheduler stopped, monitor exiting")
}

// setupLogging selects the slog handler by environment: JSON in production,
// text everywhere else.
func setupLogging(cfg *hiveconfig.Config) {
	level := slog.LevelInfo
	if cfg.Server.Env != "production" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Server.Env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// openStore picks the CS backend: redis when configured, the file-backed
// snapshot otherwise. Standalone mode always uses the local snapshot.
func openStore(cfg *hiveconfig.Config, standalone bool) *store.Store {
	flushEvery := time.Duration(cfg.Store.FlushEveryMs) * time.Millisecond

	if !standalone && cfg.Store.Backend == "redis" {
		backend, err := store.OpenRedisBackend(context.Background(), cfg.Store.RedisAddr, cfg.Store.RedisDB)
		if err == nil {
			slog.Info("config store backed by redis", "addr", cfg.Store.RedisAddr)
			return store.Open(backend, flushEvery)
		}
		slog.Warn("failed to connect to redis, falling back to local snapshot store", "error", err)
	}

	backend, err := store.OpenFileBackend(cfg.Paths.DBPath)
	if err != nil {
		slog.Error("failed to open config store", "path", cfg.Paths.DBPath, "error", err)
		os.Exit(1)
	}
	slog.Info("config store backed by local snapshot", "path", cfg.Paths.DBPath)
	return store.Open(backend, flushEvery)
}

// newSandboxRunner prefers bubblewrap and falls back to the Docker backend
// on machines where the seccomp filter or bwrap itself is unavailable.
func newSandboxRunner(cfg *hiveconfig.Config) sandbox.Runner {
	runner, err := sandbox.NewBwrapRunner(cfg.Sandbox, cfg.Paths)
	if err != nil {
		slog.Warn("bubblewrap sandbox unavailable, using docker backend", "error", err)
		return sandbox.NewDockerRunner(cfg.Sandbox, cfg.Paths)
	}
	return runner
}

func countShields(hw *hardware.HiveHardware) int {
	n := 0
	for _, s := range hw.Shields {
		if s != nil {
			n++
		}
	}
	return n
}
