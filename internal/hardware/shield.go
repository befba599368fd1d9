package hardware

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hiverack/hive/internal/circuitbreaker"
	"github.com/hiverack/hive/internal/hivetypes"
	"github.com/hiverack/hive/internal/metrics"
)

const (
	crossbarRetryLimit = 3
	crossbarRetryDelay = 10 * time.Millisecond
)

// Shield is a target-stack shield (TSS): one rack slot's crossbar controller
// plus the four TargetStates of whatever daughterboard is plugged into it.
// A test channel's traversal (§4.1) only ever try-locks its mutex, which is
// what keeps the queue-rotation algorithm from blocking; SetTargets, called
// during (re)init, takes it with a blocking Lock.
type Shield struct {
	mu       sync.Mutex
	position uint8
	exp      *expander
	targets  *[4]hivetypes.TargetState // nil: no daughterboard present
}

func newShield(bus I2CBus, position uint8, addr uint16) (*Shield, error) {
	exp := newExpander(bus, addr)
	if err := exp.initPins(); err != nil {
		return nil, fmt.Errorf("init pins: %w", err)
	}
	return &Shield{position: position, exp: exp}, nil
}

// DetectShields probes every possible expander address and reports which
// slots answered. A slot that errors is treated as "not present" — this is
// non-fatal and logged, never returned as an error.
func DetectShields(bus I2CBus) [MaxShields]*uint16 {
	var detected [MaxShields]*uint16
	for i := 0; i < MaxShields; i++ {
		addr := ExpanderBaseAddr + uint16(i)
		if err := newExpander(bus, addr).probe(); err != nil {
			slog.Debug("no shield detected", "slot", i, "error", err)
			continue
		}
		a := addr
		detected[i] = &a
	}
	return detected
}

// Position returns the shield's rack slot, 0..7.
func (s *Shield) Position() uint8 { return s.position }

// TryLock attempts to acquire the shield without blocking, used by the test
// channel traversal's queue-rotation algorithm.
func (s *Shield) TryLock() bool { return s.mu.TryLock() }

// Unlock releases a shield previously acquired with TryLock.
func (s *Shield) Unlock() { s.mu.Unlock() }

// Targets returns the shield's current target array, or nil if no
// daughterboard is attached. Caller must hold the shield lock.
func (s *Shield) Targets() *[4]hivetypes.TargetState { return s.targets }

// SetTargets must be called exactly once per shield per (re)init. It
// cross-checks the supplied assignment against a fresh read of the
// daughterboard-detect pin; on disagreement the shield's targets are reset
// to the appropriate safe default and an error is returned, but the shield
// itself remains usable.
func (s *Shield) SetTargets(targets *[4]hivetypes.TargetState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connected, err := s.exp.daughterboardConnected()
	if err != nil {
		slog.Warn("failed to determine daughterboard connection", "position", s.position, "error", err)
		connected = false
	}

	if connected && targets == nil || !connected && targets != nil {
		if connected {
			unknown := [4]hivetypes.TargetState{
				hivetypes.NewUnknownTarget(), hivetypes.NewUnknownTarget(),
				hivetypes.NewUnknownTarget(), hivetypes.NewUnknownTarget(),
			}
			s.targets = &unknown
		} else {
			s.targets = nil
		}
		return &InitError{Kind: TargetInitDesync}
	}

	s.targets = targets
	return nil
}

// SetTargetInfo overwrites the TargetInfo of a Known target. Panics if the
// shield has no targets or the named slot is not currently Known, mirroring
// the origin implementation's precondition (callers only ever invoke this
// right after a successful build/flash of a target they already observed as
// Known).
func (s *Shield) SetTargetInfo(pos uint8, info hivetypes.TargetInfo) {
	if s.targets == nil || !s.targets[pos].IsKnown() {
		panic(fmt.Sprintf("hardware: target state at pos %d is not Known, cannot set TargetInfo on an unknown target", pos))
	}
	s.targets[pos] = hivetypes.NewKnownTarget(info)
}

// Connect is the crossbar's critical section. It opens every switch on the
// shield (retrying up to crossbarRetryLimit times), then closes the
// channel-side switch before the target-side switch for the requested pair.
// If closing the pair fails after the shield was successfully opened, the
// shield is reopened to guarantee no short is left in place.
func (s *Shield) Connect(cb *circuitbreaker.CircuitBreaker, channelIdx, targetIdx uint8) error {
	if err := s.openAllWithRetry(cb); err != nil {
		if derr := s.DisconnectAll(); derr != nil {
			panic(fmt.Sprintf("hardware: shield %d is in an undefined state after a failed disconnect-all, cannot continue safely: %v (open error: %v)", s.position, derr, err))
		}
		return fmt.Errorf("shield %d: abort run, could not clear crossbar: %w", s.position, err)
	}

	if err := s.exp.closePair(channelIdx, targetIdx); err != nil {
		// Uncertain switch state: reopen everything to guarantee no short.
		if reopenErr := s.openAllWithRetry(cb); reopenErr != nil {
			if derr := s.DisconnectAll(); derr != nil {
				panic(fmt.Sprintf("hardware: shield %d is in an undefined state, cannot continue safely: %v", s.position, derr))
			}
		}
		return fmt.Errorf("shield %d: close channel %d -> target %d: %w", s.position, channelIdx, targetIdx, err)
	}
	return nil
}

func (s *Shield) openAllWithRetry(cb *circuitbreaker.CircuitBreaker) error {
	var lastErr error
	for attempt := 0; attempt < crossbarRetryLimit; attempt++ {
		if attempt > 0 {
			metrics.CrossbarRetries.Inc()
		}
		var err error
		if cb != nil {
			_, err = cb.Execute(func() (interface{}, error) {
				return nil, s.exp.openAllSwitches()
			})
		} else {
			err = s.exp.openAllSwitches()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(crossbarRetryDelay)
	}
	return lastErr
}

// DisconnectAll forces every switch on the shield open with no retry. A
// failure here leaves the shield in an undefined state: callers must treat
// it as unrecoverable and abort the run.
func (s *Shield) DisconnectAll() error {
	return s.exp.openAllSwitches()
}
