// Package hardware drives the Hive testrack's physical layer: shield
// detection, the per-shield crossbar, and the four shared test channels that
// carry a debug probe across shields. Everything here is owned exclusively by
// the scheduler for the duration of a task (see internal/scheduler); nothing
// in this package synchronizes against concurrent callers other than the
// channel traversal's own try-lock/rotation discipline.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hiverack/hive/internal/hivetypes"
)

// MaxShields is the number of rack slots a testrack exposes.
const MaxShields = 8

// MaxChannelsPerShield is the number of targets a single daughterboard can
// carry, which is also the number of shared test channels in the rack.
const MaxChannelsPerShield = 4

// ExpanderBaseAddr is the I2C address of the shield-0 IO expander; shield N
// answers at ExpanderBaseAddr+N.
const ExpanderBaseAddr uint16 = 0x20

// DebugProbeSpeedHz is the clock speed every probe is set to on attach.
const DebugProbeSpeedHz uint32 = 8000

// InitError is returned by the two desync-detecting initialization calls.
type InitError struct {
	Kind   InitErrorKind
	Detail any
}

type InitErrorKind int

const (
	TargetInitDesync InitErrorKind = iota
	ProbeInitDesync
)

func (e *InitError) Error() string {
	switch e.Kind {
	case TargetInitDesync:
		return "the target hardware which was detected by the runner does not match with the data provided by the monitor"
	case ProbeInitDesync:
		return "the probe hardware which was detected by the runner does not match with the data provided by the monitor"
	default:
		return "hardware init desync"
	}
}

// ProbeInitDesyncDetail enumerates the two ways probe init can disagree with
// reality: an assignment slot that named a probe nothing on the bus matched
// (Unmatched), and a probe on the bus that no assignment named (Unassigned).
// Neither list being empty implies the other may still be empty; a desync
// needs only one.
type ProbeInitDesyncDetail struct {
	Unmatched  []int // channel indices whose assignment could not be matched
	Unassigned []hivetypes.ProbeDescriptor
}

// HardwareStatus is the global readiness state of a HiveHardware aggregate.
type HardwareStatus int

const (
	StatusUninitialized HardwareStatus = iota
	StatusDataDesync
	StatusReady
)

func (s HardwareStatus) String() string {
	switch s {
	case StatusDataDesync:
		return "DataDesync"
	case StatusReady:
		return "Ready"
	default:
		return "Uninitialized"
	}
}

// HiveHardware is the top-level handle on the rack's entire hardware: up to
// MaxShields daughterboard slots and the MaxChannelsPerShield shared test
// channels that connect to them through each shield's crossbar.
type HiveHardware struct {
	Shields      [MaxShields]*Shield
	TestChannels [MaxChannelsPerShield]*TestChannel
	Status       HardwareStatus
}

// New probes every shield slot and constructs the fixed test channel set.
// Shields that fail to answer or fail pin initialization are left nil.
func New(bus I2CBus, probeLister ProbeLister) *HiveHardware {
	hw := &HiveHardware{Status: StatusUninitialized}
	detected := DetectShields(bus)
	for i, addr := range detected {
		if addr == nil {
			continue
		}
		shield, err := newShield(bus, uint8(i), *addr)
		if err != nil {
			slog.Warn("failed to initialize shield", "position", i, "error", err)
			continue
		}
		hw.Shields[i] = shield
	}
	for i := range hw.TestChannels {
		hw.TestChannels[i] = newTestChannel(uint8(i), probeLister)
	}
	return hw
}

// InitializeTargetData sets each shield's target array from monitor-supplied
// data, one call per shield. A per-shield desync does not stop the loop; the
// caller gets a single aggregated error once every shield has been tried.
func (hw *HiveHardware) InitializeTargetData(data hivetypes.TargetInitData) error {
	desync := false
	for idx, targets := range data {
		shield := hw.Shields[idx]
		if shield == nil {
			if targets != nil {
				desync = true
			}
			continue
		}
		if err := shield.SetTargets(targets); err != nil {
			desync = true
		}
	}
	if desync {
		hw.Status = StatusDataDesync
		return &InitError{Kind: TargetInitDesync}
	}
	return nil
}

// InitializeProbeData clears any previously bound probes, lists what is
// currently visible on the bus, and matches each assignment slot's
// descriptor to a detected probe by (vendor, product, serial, hid
// interface), opening and binding on a match.
func (hw *HiveHardware) InitializeProbeData(ctx context.Context, data hivetypes.ProbeInitData) error {
	for _, tc := range hw.TestChannels {
		tc.RemoveProbe()
	}

	found, err := hw.probeLister().ListAll(ctx)
	if err != nil {
		return fmt.Errorf("hardware: list probes: %w", err)
	}
	slog.Debug("found attached probes", "count", len(found))

	detail := ProbeInitDesyncDetail{}
	matched := make([]bool, len(found))

	for channelIdx, slot := range data {
		if slot == nil {
			continue
		}
		foundIdx := -1
		for i, df := range found {
			if matched[i] {
				continue
			}
			if df.Descriptor.Matches(*slot) {
				foundIdx = i
				break
			}
		}
		if foundIdx < 0 {
			detail.Unmatched = append(detail.Unmatched, channelIdx)
			hw.TestChannels[channelIdx].RemoveProbe()
			continue
		}
		matched[foundIdx] = true
		handle, err := found[foundIdx].Open()
		if err != nil {
			detail.Unmatched = append(detail.Unmatched, channelIdx)
			hw.TestChannels[channelIdx].RemoveProbe()
			continue
		}
		hw.TestChannels[channelIdx].BindProbe(handle, found[foundIdx].Descriptor)
	}

	for i, df := range found {
		if !matched[i] {
			detail.Unassigned = append(detail.Unassigned, df.Descriptor)
		}
	}

	if len(detail.Unmatched) > 0 || len(detail.Unassigned) > 0 {
		slog.Warn("encountered data desync during probe data initialization",
			"unmatched_channels", detail.Unmatched, "unassigned_probes", len(detail.Unassigned))
		hw.Status = StatusDataDesync
		return &InitError{Kind: ProbeInitDesync, Detail: detail}
	}
	return nil
}

func (hw *HiveHardware) probeLister() ProbeLister {
	for _, tc := range hw.TestChannels {
		if tc.lister != nil {
			return tc.lister
		}
	}
	return noopLister{}
}

type noopLister struct{}

func (noopLister) ListAll(ctx context.Context) ([]DetectedProbe, error) { return nil, nil }

func (noopLister) Open(ctx context.Context, descriptor hivetypes.ProbeDescriptor) (ProbeHandle, error) {
	return nil, errNotConnected
}

var errNotConnected = errors.New("hardware: daughterboard is not connected")
