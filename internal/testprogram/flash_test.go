package testprogram

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hardware"
	"github.com/hiverack/hive/internal/hivetypes"
)

// flashBus emulates the expanders of the shields listed as present: reads
// of the bank-1 input register report a connected daughterboard, everything
// else behaves as a plain register file.
type flashBus struct {
	mu      sync.Mutex
	present map[uint16]bool
	regs    map[uint16]map[byte]byte
}

func newFlashBus(addrs ...uint16) *flashBus {
	b := &flashBus{present: map[uint16]bool{}, regs: map[uint16]map[byte]byte{}}
	for _, a := range addrs {
		b.present[a] = true
		b.regs[a] = map[byte]byte{0x01: 0x02} // daughterboard-detect bit set
	}
	return b
}

func (b *flashBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.present[addr] {
		return errors.New("no device at address")
	}
	if len(w) == 1 && len(r) == 1 {
		r[0] = b.regs[addr][w[0]]
		return nil
	}
	if len(w) == 2 {
		b.regs[addr][w[0]] = w[1]
	}
	return nil
}

type flashProbeHandle struct{}

func (flashProbeHandle) SetSpeed(hz uint32) error { return nil }
func (flashProbeHandle) Attach(ctx context.Context, targetName string, underReset bool) (hardware.Session, error) {
	return flashSession{}, nil
}
func (flashProbeHandle) Close() error { return nil }

type flashSession struct{}

func (flashSession) Close() error { return nil }

type flashLister struct{}

func (flashLister) ListAll(ctx context.Context) ([]hardware.DetectedProbe, error) { return nil, nil }
func (flashLister) Open(ctx context.Context, d hivetypes.ProbeDescriptor) (hardware.ProbeHandle, error) {
	return flashProbeHandle{}, nil
}

// recordingFlasher records every downloaded ELF; failOn targets error out.
type recordingFlasher struct {
	mu     sync.Mutex
	paths  []string
	failOn string
}

func (f *recordingFlasher) Flash(ctx context.Context, session hardware.Session, elfPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && elfPath == f.failOn {
		return errors.New("verification failed")
	}
	f.paths = append(f.paths, elfPath)
	return nil
}

func flashFixture(t *testing.T, targetNames []string) (*hardware.HiveHardware, TestProgram) {
	t.Helper()
	bus := newFlashBus(hardware.ExpanderBaseAddr)
	hw := hardware.New(bus, flashLister{})
	require.NotNil(t, hw.Shields[0])

	mem := &hivetypes.Memory{
		NVM: hivetypes.MemoryRange{Start: 0x08000000, End: 0x08008000},
		RAM: hivetypes.MemoryRange{Start: 0x20000000, End: 0x20001000},
	}
	var targets [4]hivetypes.TargetState
	for i := range targets {
		if i < len(targetNames) {
			targets[i] = hivetypes.NewKnownTarget(hivetypes.TargetInfo{
				Name:         targetNames[i],
				Architecture: hivetypes.ArchitectureARM,
				Memory:       mem,
			})
		} else {
			targets[i] = hivetypes.NewNotConnectedTarget()
		}
	}
	require.NoError(t, hw.Shields[0].SetTargets(&targets))

	serial := "0001"
	hw.TestChannels[0].BindProbe(flashProbeHandle{}, hivetypes.ProbeDescriptor{
		VendorID: 0x1366, ProductID: 0x0101, SerialNumber: &serial, Identifier: "J-Link",
	})

	return hw, TestProgram{Name: "default", Path: "/srv/testprograms/default"}
}

func TestFlashProducesOneOkStatusPerKnownTarget(t *testing.T) {
	hw, tp := flashFixture(t, []string{"STM32F030C6Tx", "STM32F103C8"})
	flasher := &recordingFlasher{}

	statuses := FlashTestbinaries(context.Background(), tp, hw.Shields, hw.TestChannels, flasher, nil)

	require.Len(t, statuses, 2)
	byName := map[string]hivetypes.FlashStatus{}
	for _, st := range statuses {
		byName[st.TargetName] = st
	}
	for _, name := range []string{"STM32F030C6Tx", "STM32F103C8"} {
		st, ok := byName[name]
		require.True(t, ok, "missing flash status for %s", name)
		assert.True(t, st.Result.OK())
		assert.Equal(t, uint8(0), st.ShieldPos)
		assert.Equal(t, "J-Link", st.ProbeName)
	}

	// The targets' runtime status stays Ok so the test run includes them.
	for i := 0; i < 2; i++ {
		assert.True(t, hw.Shields[0].Targets()[i].Info.FlashStatus.OK())
	}
}

func TestFailedFlashMarksTargetStatus(t *testing.T) {
	hw, tp := flashFixture(t, []string{"STM32F030C6Tx"})
	flasher := &recordingFlasher{
		failOn: tp.ELFPath(hivetypes.ArchitectureARM, *hw.Shields[0].Targets()[0].Info.Memory),
	}

	statuses := FlashTestbinaries(context.Background(), tp, hw.Shields, hw.TestChannels, flasher, nil)

	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Result.OK())
	assert.False(t, hw.Shields[0].Targets()[0].Info.FlashStatus.OK())
}

func TestFlashWithEmptyRackIsNoOp(t *testing.T) {
	bus := newFlashBus() // no shields answer
	hw := hardware.New(bus, flashLister{})
	flasher := &recordingFlasher{}

	statuses := FlashTestbinaries(context.Background(), TestProgram{Name: "default"}, hw.Shields, hw.TestChannels, flasher, nil)
	assert.Empty(t, statuses)
	assert.Empty(t, flasher.paths)
}
