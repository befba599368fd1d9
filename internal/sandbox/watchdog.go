package sandbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Watchdog observes the sandboxed runner's file-open syscalls through a
// precompiled eBPF program, as runtime verification of the §6 sandbox
// contract ("must not write outside the bound paths"). Enforcement stays
// with the namespace/seccomp sandbox itself; the watchdog only logs
// attempts, so a missing or unloadable object file downgrades to disabled
// rather than blocking test runs.
type Watchdog struct {
	objPath string
	enabled bool
}

// watchdogObjects is the load target for the precompiled BPF object. The
// object ships with the monitor installation, compiled out-of-tree.
type watchdogObjects struct {
	TraceOpenat *ebpf.Program `ebpf:"trace_openat"`
	Events      *ebpf.Map     `ebpf:"events"`
	TracedPID   *ebpf.Map     `ebpf:"traced_pid"`
}

func (o *watchdogObjects) Close() error {
	if o.TraceOpenat != nil {
		_ = o.TraceOpenat.Close()
	}
	if o.Events != nil {
		_ = o.Events.Close()
	}
	if o.TracedPID != nil {
		_ = o.TracedPID.Close()
	}
	return nil
}

// openEvent matches the memory layout of the C struct emitted by the BPF
// program.
type openEvent struct {
	PID   uint32
	Flags uint32
	Comm  [16]byte
	Path  [256]byte
}

// NewWatchdog prepares a watchdog around a BPF object path. The returned
// watchdog is disabled if the object file does not exist.
func NewWatchdog(objPath string) *Watchdog {
	if objPath == "" {
		return &Watchdog{}
	}
	if _, err := os.Stat(objPath); err != nil {
		slog.Info("sandbox watchdog object not present, syscall observation disabled", "path", objPath)
		return &Watchdog{objPath: objPath}
	}
	return &Watchdog{objPath: objPath, enabled: true}
}

// Enabled reports whether the watchdog has a loadable object file.
func (w *Watchdog) Enabled() bool { return w.enabled }

// Watch loads the BPF object, scopes it to pid, and starts logging the
// runner's file-open attempts until the returned stop function is called.
func (w *Watchdog) Watch(pid int) (stop func(), err error) {
	if !w.enabled {
		return func() {}, nil
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("sandbox: remove memlock for watchdog: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(w.objPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: load watchdog collection: %w", err)
	}

	var objs watchdogObjects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("sandbox: assign watchdog objects: %w", err)
	}

	tracedPID := uint32(pid)
	key := uint32(0)
	if err := objs.TracedPID.Put(&key, &tracedPID); err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("sandbox: set watchdog pid filter: %w", err)
	}

	tp, err := link.Tracepoint("syscalls", "sys_enter_openat", objs.TraceOpenat, nil)
	if err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("sandbox: attach watchdog tracepoint: %w", err)
	}

	rd, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		_ = tp.Close()
		_ = objs.Close()
		return nil, fmt.Errorf("sandbox: open watchdog ringbuf: %w", err)
	}

	go func() {
		for {
			record, err := rd.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				slog.Warn("sandbox watchdog ringbuf read failed", "error", err)
				continue
			}

			var ev openEvent
			if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
				slog.Warn("sandbox watchdog event decode failed", "error", err)
				continue
			}
			slog.Debug("runner opened file",
				"pid", ev.PID,
				"comm", cString(ev.Comm[:]),
				"path", cString(ev.Path[:]),
				"flags", ev.Flags)
		}
	}()

	slog.Info("sandbox watchdog attached", "pid", pid)
	return func() {
		_ = rd.Close()
		_ = tp.Close()
		_ = objs.Close()
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
