package hardware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hivetypes"
)

// fakeBus is an in-memory I2CBus stand-in: the addresses passed to
// newFakeBus answer, the rest return an error (simulating "no shield in
// this slot").
type fakeBus struct {
	registers map[uint16]map[byte]byte
	present   map[uint16]bool
}

func newFakeBus(presentAddrs ...uint16) *fakeBus {
	b := &fakeBus{registers: map[uint16]map[byte]byte{}, present: map[uint16]bool{}}
	for _, a := range presentAddrs {
		b.present[a] = true
		b.registers[a] = map[byte]byte{regInputPort1: 1 << bank1DaughterDetect}
	}
	return b
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	if !b.present[addr] {
		return errNotConnected
	}
	if len(w) == 1 && len(r) == 1 {
		r[0] = b.registers[addr][w[0]]
		return nil
	}
	if len(w) == 2 && len(r) == 0 {
		b.registers[addr][w[0]] = w[1]
		return nil
	}
	return nil
}

func TestDetectShields(t *testing.T) {
	bus := newFakeBus(ExpanderBaseAddr, ExpanderBaseAddr+3)
	detected := DetectShields(bus)
	require.NotNil(t, detected[0])
	require.Nil(t, detected[1])
	require.Nil(t, detected[2])
	require.NotNil(t, detected[3])
}

func TestShieldSetTargetsDesyncResetsToSafeDefault(t *testing.T) {
	bus := newFakeBus(ExpanderBaseAddr)
	s, err := newShield(bus, 0, ExpanderBaseAddr)
	require.NoError(t, err)

	// Daughterboard is physically connected (detect bit set by newFakeBus),
	// but the caller claims none is present: expect a desync with targets
	// reset to all-Unknown, not nil.
	err = s.SetTargets(nil)
	require.Error(t, err)
	require.NotNil(t, s.Targets())
	for _, ts := range s.Targets() {
		require.Equal(t, hivetypes.TargetUnknown, ts.Kind)
	}
}

func TestShieldSetTargetsAgreesWithReality(t *testing.T) {
	bus := newFakeBus(ExpanderBaseAddr)
	s, err := newShield(bus, 0, ExpanderBaseAddr)
	require.NoError(t, err)

	targets := [4]hivetypes.TargetState{
		hivetypes.NewKnownTarget(hivetypes.TargetInfo{Name: "t0"}),
		hivetypes.NewUnknownTarget(), hivetypes.NewUnknownTarget(), hivetypes.NewUnknownTarget(),
	}
	require.NoError(t, s.SetTargets(&targets))
	require.Equal(t, "t0", s.Targets()[0].Info.Name)
}

func TestShieldConnectOpensThenClosesPair(t *testing.T) {
	bus := newFakeBus(ExpanderBaseAddr)
	s, err := newShield(bus, 0, ExpanderBaseAddr)
	require.NoError(t, err)

	require.NoError(t, s.Connect(nil, 1, 2))
	out := bus.registers[ExpanderBaseAddr][regOutputPort0]
	// channel-side bit 1 and target-side bit (4+2)=6 should be closed (0),
	// everything else open (1).
	require.Equal(t, byte(0), out&(1<<1))
	require.Equal(t, byte(0), out&(1<<6))
	require.NotEqual(t, byte(0), out&(1<<0))
}

type fakeProbeHandle struct {
	attachErr   error
	attachUnder bool
	speedsSet   []uint32
	closed      bool
}

func (f *fakeProbeHandle) SetSpeed(hz uint32) error {
	f.speedsSet = append(f.speedsSet, hz)
	return nil
}

func (f *fakeProbeHandle) Attach(ctx context.Context, targetName string, underReset bool) (Session, error) {
	f.attachUnder = underReset
	if f.attachErr != nil && !underReset {
		return nil, f.attachErr
	}
	return &fakeSession{}, nil
}

func (f *fakeProbeHandle) Close() error { f.closed = true; return nil }

type fakeSession struct{ closed bool }

func (s *fakeSession) Close() error { s.closed = true; return nil }

type fakeLister struct {
	openHandle *fakeProbeHandle
	openErr    error
}

func (l *fakeLister) ListAll(ctx context.Context) ([]DetectedProbe, error) { return nil, nil }

func (l *fakeLister) Open(ctx context.Context, descriptor hivetypes.ProbeDescriptor) (ProbeHandle, error) {
	if l.openErr != nil {
		return nil, l.openErr
	}
	return l.openHandle, nil
}

func TestTryAttachNormalPath(t *testing.T) {
	lister := &fakeLister{openHandle: &fakeProbeHandle{}}
	tc := newTestChannel(0, lister)
	serial := "xyz"
	tc.BindProbe(&fakeProbeHandle{}, hivetypes.ProbeDescriptor{VendorID: 1, ProductID: 2, SerialNumber: &serial})

	called := false
	err := TryAttach(context.Background(), tc, hivetypes.TargetInfo{Name: "stm32f4"}, func(s Session) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
	require.True(t, tc.IsReady())
}

func TestTryAttachFallsBackToAttachUnderReset(t *testing.T) {
	lister := &fakeLister{openHandle: &fakeProbeHandle{}}
	tc := newTestChannel(0, lister)
	tc.BindProbe(&fakeProbeHandle{attachErr: context.DeadlineExceeded}, hivetypes.ProbeDescriptor{VendorID: 1, ProductID: 2})

	called := false
	err := TryAttach(context.Background(), tc, hivetypes.TargetInfo{Name: "stm32f4"}, func(s Session) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
