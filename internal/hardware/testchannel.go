package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hivetypes"
)

// settleDelay is paused after a crossbar connect completes and before the
// caller's action runs; probes have been observed to fail certain actions
// without it, most likely a race between the I2C write completing in the
// host driver and the switches physically settling.
const settleDelay = 100 * time.Millisecond

// RpiPins is the pair of GPIO lines a test channel uses to signal into the
// target under test: a reset line and a bus-clear line. Production wiring
// supplies periph.io/x/host/v3 rpi pins; tests supply anything satisfying
// gpio.PinIO.
type RpiPins struct {
	Reset    gpio.PinIO
	BusClear gpio.PinIO
}

// TestChannel is one of the rack's four shared test channels: a host-side
// GPIO pair plus whichever debug probe is currently bound to it. Instances
// are long-lived; BindProbe/RemoveProbe/UnlockProbe/ReinitializeProbe toggle
// what's attached as tasks run.
type TestChannel struct {
	id     uint8
	pins   RpiPins
	lister ProbeLister

	mu         sync.Mutex
	probe      ProbeHandle
	descriptor *hivetypes.ProbeDescriptor
}

func newTestChannel(id uint8, lister ProbeLister) *TestChannel {
	return &TestChannel{id: id, lister: lister}
}

// ID returns the channel number, 0..3.
func (tc *TestChannel) ID() uint8 { return tc.id }

// BindProbe attaches a freshly opened probe and its descriptor.
func (tc *TestChannel) BindProbe(handle ProbeHandle, descriptor hivetypes.ProbeDescriptor) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.probe = handle
	tc.descriptor = &descriptor
}

// RemoveProbe clears both the handle and the descriptor.
func (tc *TestChannel) RemoveProbe() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.probe != nil {
		_ = tc.probe.Close()
	}
	tc.probe = nil
	tc.descriptor = nil
}

// UnlockProbe drops the owned handle (so the runner sandbox can reopen the
// USB device) but retains the descriptor for a later ReinitializeProbe.
func (tc *TestChannel) UnlockProbe() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.probe != nil {
		_ = tc.probe.Close()
	}
	tc.probe = nil
}

// ReinitializeProbe reopens the probe from the stored descriptor. A no-op if
// no descriptor is on file.
func (tc *TestChannel) ReinitializeProbe(ctx context.Context) error {
	tc.mu.Lock()
	descriptor := tc.descriptor
	tc.mu.Unlock()
	if descriptor == nil {
		return nil
	}
	handle, err := tc.lister.Open(ctx, *descriptor)
	if err != nil {
		return fmt.Errorf("hardware: reinitialize probe on channel %d: %w", tc.id, err)
	}
	tc.mu.Lock()
	tc.probe = handle
	tc.mu.Unlock()
	return nil
}

// ProbeDescriptor returns a copy of the currently stored descriptor, if any.
func (tc *TestChannel) ProbeDescriptor() *hivetypes.ProbeDescriptor {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.descriptor == nil {
		return nil
	}
	d := *tc.descriptor
	return &d
}

// IsReady reports whether the channel currently owns a probe handle.
func (tc *TestChannel) IsReady() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.probe != nil
}

// TakeProbeOwned removes and returns the probe handle, replacing the slot
// with nil. Panics if the channel currently holds no probe — callers must
// check IsReady first.
func (tc *TestChannel) TakeProbeOwned() ProbeHandle {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.probe == nil {
		panic(fmt.Sprintf("hardware: TakeProbeOwned called on channel %d with no bound probe", tc.id))
	}
	h := tc.probe
	tc.probe = nil
	return h
}

// ReturnProbe restores ownership of a handle taken with TakeProbeOwned. A
// nil handle leaves the channel not-ready.
func (tc *TestChannel) ReturnProbe(h ProbeHandle) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.probe = h
}

// Reset clears the channel's GPIO and bus state between user test
// functions.
func (tc *TestChannel) Reset() error {
	if tc.pins.Reset != nil {
		if err := tc.pins.Reset.Out(gpio.Low); err != nil {
			return fmt.Errorf("hardware: channel %d gpio reset: %w", tc.id, err)
		}
	}
	if tc.pins.BusClear != nil {
		if err := tc.pins.BusClear.Out(gpio.Low); err != nil {
			return fmt.Errorf("hardware: channel %d bus reset: %w", tc.id, err)
		}
	}
	return nil
}

// ConnectAllAvailableAndExecute is the §4.1 traversal: it walks every
// present shield exactly once, connecting this channel to each of that
// shield's Known targets in turn and invoking fn on a live connection.
// Shields currently held by another channel's traversal are skipped and
// requeued at the back of the local queue rather than blocked on — this is
// what keeps all four channels' traversals running concurrently without
// deadlock, since a shield's crossbar only ever serves one channel at a
// time.
func (tc *TestChannel) ConnectAllAvailableAndExecute(
	shields [MaxShields]*Shield,
	crossbarBreaker *circuitbreaker.CircuitBreaker,
	fn func(targetInfo hivetypes.TargetInfo, shieldPos uint8, targetIdx uint8),
) {
	var queue []*Shield
	for _, s := range shields {
		if s != nil {
			queue = append(queue, s)
		}
	}

	for len(queue) > 0 {
		s := queue[0]
		if !s.TryLock() {
			queue = append(queue[1:], s)
			continue
		}

		slog.Debug("locked shield", "channel", tc.id, "shield", s.Position())
		if targets := s.Targets(); targets != nil {
			for idx, target := range targets {
				if !target.IsKnown() {
					continue
				}
				if err := s.Connect(crossbarBreaker, tc.id, uint8(idx)); err != nil {
					slog.Error("failed to connect test channel to target",
						"channel", tc.id, "shield", s.Position(), "target", idx, "error", err)
					continue
				}
				time.Sleep(settleDelay)
				fn(target.Info, s.Position(), uint8(idx))
			}
		}

		s.Unlock()
		queue = queue[1:]
	}
}
