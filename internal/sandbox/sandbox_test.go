package sandbox

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hiveconfig"
)

func newTestBwrapRunner(t *testing.T) *BwrapRunner {
	t.Helper()
	cfg := hiveconfig.Default()

	seccomp := filepath.Join(t.TempDir(), "runner_seccomp.bpf")
	require.NoError(t, os.WriteFile(seccomp, []byte{0, 0, 0, 0, 0, 0, 0, 0}, 0o644))
	cfg.Sandbox.SeccompProfile = seccomp
	cfg.Sandbox.DeviceBinds = []string{"/dev/i2c-1", "/dev/bus/usb/001/"}

	runner, err := NewBwrapRunner(cfg.Sandbox, cfg.Paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })
	return runner
}

func TestBwrapArgsIsolateAndBind(t *testing.T) {
	runner := newTestBwrapRunner(t)
	args := runner.args("./data/runner/runner")
	joined := strings.Join(args, " ")

	// Namespace isolation and privilege drop.
	assert.Contains(t, joined, "--unshare-all")
	assert.Contains(t, joined, "--die-with-parent")
	assert.Contains(t, joined, "--uid 1000")
	assert.Contains(t, joined, "--gid 1000")

	// Seccomp filter arrives on the fixed child fd.
	assert.Contains(t, joined, "--seccomp 3")

	// Read-only binds for libraries and testprograms, read-write for logs,
	// device binds for the probes' hardware.
	assert.Contains(t, joined, "--ro-bind /lib/ /lib/")
	assert.Contains(t, joined, "--ro-bind ./data/testprograms/ ./data/testprograms/")
	assert.Contains(t, joined, "--ro-bind ./data/runner/ ./data/runner/")
	assert.Contains(t, joined, "--bind ./data/logs/ ./data/logs/")
	assert.Contains(t, joined, "--dev-bind /dev/i2c-1 /dev/i2c-1")
	assert.Contains(t, joined, "--proc /proc")

	// The runner binary is the final operand.
	assert.Equal(t, "./data/runner/runner", args[len(args)-1])
}

func TestMissingSeccompFilterFailsConstruction(t *testing.T) {
	cfg := hiveconfig.Default()
	cfg.Sandbox.SeccompProfile = filepath.Join(t.TempDir(), "absent.bpf")

	_, err := NewBwrapRunner(cfg.Sandbox, cfg.Paths)
	assert.Error(t, err)
}

func TestCollectOutputReadsBothPipes(t *testing.T) {
	stdout := strings.NewReader("hello stdout")
	stderr := strings.NewReader("hello stderr")

	out, errOut, err := CollectOutput(stdout, stderr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello stdout", out)
	assert.Equal(t, "hello stderr", errOut)
}

func TestCollectOutputTimesOutOnOpenPipe(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()
	stderr := strings.NewReader("partial stderr")

	start := time.Now()
	_, _, err := CollectOutput(stdoutR, stderr, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrRunnerTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWatchdogDisabledWithoutObject(t *testing.T) {
	w := NewWatchdog("")
	assert.False(t, w.Enabled())

	stop, err := w.Watch(1234)
	require.NoError(t, err)
	stop()

	w = NewWatchdog(filepath.Join(t.TempDir(), "absent.bpf.o"))
	assert.False(t, w.Enabled())
}
