// Package sandbox runs the user-supplied runner binary inside a restricted
// environment (spec §4.5): new PID/mount/user/IPC namespaces, a dropped
// uid/gid, a seccomp-BPF filter passed on a fixed file descriptor, and only
// the paths the runner legitimately needs bound in. The default backend
// shells out to bubblewrap; a Docker backend covers development machines
// where bwrap is unavailable.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/hiverack/hive/internal/hiveconfig"
)

// SeccompChildFD is the file descriptor number the runner's seccomp filter
// is handed to bwrap on. The parent passes the opened filter file as the
// first (and only) extra file, which the Go runtime maps to fd 3 in the
// child.
const SeccompChildFD = 3

// Process is a started sandboxed runner: its output pipes and the two
// controls the scheduler needs (kill on timeout, wait for exit).
type Process struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// PID of the sandbox wrapper process, 0 when the backend cannot
	// expose one (the Docker path).
	PID int

	Kill func() error
	Wait func() error
}

// Runner starts the runner binary in a sandbox. Implementations must pipe
// stdout/stderr and must not leak any file descriptor into the child other
// than the seccomp filter.
type Runner interface {
	Run(ctx context.Context, runnerBinaryPath string) (*Process, error)
}

// BwrapRunner sandboxes via bubblewrap. The seccomp filter file is opened
// once at construction; a missing filter is a configuration fault worth
// failing loudly over, not something to limp past.
type BwrapRunner struct {
	cfg     hiveconfig.SandboxConfig
	paths   hiveconfig.PathsConfig
	seccomp *os.File
}

// NewBwrapRunner opens the seccomp filter and prepares a runner.
func NewBwrapRunner(cfg hiveconfig.SandboxConfig, paths hiveconfig.PathsConfig) (*BwrapRunner, error) {
	f, err := os.Open(cfg.SeccompProfile)
	if err != nil {
		return nil, fmt.Errorf("sandbox: open runner seccomp filter: %w", err)
	}
	return &BwrapRunner{cfg: cfg, paths: paths, seccomp: f}, nil
}

// Close releases the seccomp filter file.
func (b *BwrapRunner) Close() error { return b.seccomp.Close() }

// args builds the bwrap invocation: unshare everything, drop to the
// configured uid/gid, load seccomp from SeccompChildFD, and bind exactly
// the paths of spec §4.5 (read-only libraries and testprograms, read-write
// logs, the I2C and USB device nodes the probes need).
func (b *BwrapRunner) args(runnerBinaryPath string) []string {
	args := []string{
		"--die-with-parent", "--new-session",
		"--seccomp", strconv.Itoa(SeccompChildFD),
		"--unshare-all",
		"--uid", strconv.Itoa(b.cfg.UID),
		"--gid", strconv.Itoa(b.cfg.GID),
		"--ro-bind", "/lib/", "/lib/",
		"--ro-bind-try", "/usr/lib/debug/", "/usr/lib/debug/",
		"--ro-bind", "/etc/localtime", "/etc/localtime",
		"--ro-bind", "/etc/ld.so.cache", "/etc/ld.so.cache",
		"--ro-bind-try", "/etc/ld.so.preload", "/etc/ld.so.preload",
		"--proc", "/proc",
		"--ro-bind", "/proc/cpuinfo", "/proc/cpuinfo",
		"--ro-bind", "/sys/bus/usb/devices/", "/sys/bus/usb/devices/",
		"--ro-bind", "/sys/class/hidraw", "/sys/class/hidraw",
		"--ro-bind-try", "/run/udev/control", "/run/udev/control",
		"--ro-bind-try", "/run/udev/data/", "/run/udev/data/",
	}
	for _, dev := range b.cfg.DeviceBinds {
		args = append(args, "--dev-bind", dev, dev)
	}
	for _, ro := range b.cfg.ReadOnlyBinds {
		args = append(args, "--ro-bind", ro, ro)
	}
	for _, rw := range b.cfg.ReadWriteBinds {
		args = append(args, "--bind", rw, rw)
	}
	args = append(args,
		"--bind", b.paths.LogsDir+"/", b.paths.LogsDir+"/",
		"--ro-bind", b.paths.TestprogramsDir+"/", b.paths.TestprogramsDir+"/",
		"--ro-bind", b.paths.RunnerDir+"/", b.paths.RunnerDir+"/",
		runnerBinaryPath,
	)
	return args
}

// Run spawns the sandboxed runner with piped stdout/stderr.
func (b *BwrapRunner) Run(ctx context.Context, runnerBinaryPath string) (*Process, error) {
	cmd := exec.CommandContext(ctx, "bwrap", b.args(runnerBinaryPath)...)
	cmd.ExtraFiles = []*os.File{b.seccomp}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start bwrap, is the bwrap command accessible to the monitor: %w", err)
	}

	return &Process{
		Stdout: stdout,
		Stderr: stderr,
		PID:    cmd.Process.Pid,
		Kill:   func() error { return cmd.Process.Kill() },
		Wait:   cmd.Wait,
	}, nil
}
