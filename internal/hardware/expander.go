package hardware

import "fmt"

// I2CBus is the minimal transaction primitive this package needs from the
// host's I2C controller. periph.io/x/conn/v3/i2c.Dev satisfies this directly
// (its Tx method has the identical signature), so production wiring is
// `hardware.New(&i2c.Dev{Bus: bus, Addr: addr}, ...)` per address; here the
// interface is parameterized over addr so one bus handle serves every
// shield.
type I2CBus interface {
	// Tx writes w then reads len(r) bytes back from the device at addr,
	// as a single bus transaction.
	Tx(addr uint16, w, r []byte) error
}

// PCA9535-style 16-bit IO expander register map: two 8-bit banks, each with
// input/output/polarity-inversion/configuration registers.
const (
	regInputPort0  = 0x00
	regInputPort1  = 0x01
	regOutputPort0 = 0x02
	regOutputPort1 = 0x03
	regPolarity0   = 0x04
	regPolarity1   = 0x05
	regConfigPort0 = 0x06
	regConfigPort1 = 0x07
)

// Bank-0 bit layout: bits 0-3 are the channel-side crossbar switches, bits
// 4-7 are the target-side crossbar switches. Bank-1 bit 0 is the status LED
// (output), bit 1 is the daughterboard-detect pin (input).
const (
	bank1StatusLEDBit   = 0
	bank1DaughterDetect = 1
)

// expander is a thin driver for one shield's IO expander.
type expander struct {
	bus  I2CBus
	addr uint16
}

func newExpander(bus I2CBus, addr uint16) *expander {
	return &expander{bus: bus, addr: addr}
}

func (e *expander) readRegister(reg byte) (byte, error) {
	var buf [1]byte
	if err := e.bus.Tx(e.addr, []byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (e *expander) writeRegister(reg, value byte) error {
	return e.bus.Tx(e.addr, []byte{reg, value}, nil)
}

// probe issues a read of the configuration register purely to check the
// device answers; any I2C error means "not present" to the caller.
func (e *expander) probe() error {
	_, err := e.readRegister(regConfigPort0)
	return err
}

// initPins configures bank 0 (all 8 crossbar switches) as outputs, drives
// them all high (open, since the switches are active-low), configures the
// status LED as an output and turns it off, and configures the
// daughterboard-detect pin as an input.
func (e *expander) initPins() error {
	if err := e.writeRegister(regOutputPort0, 0xFF); err != nil {
		return fmt.Errorf("expander: open all switches: %w", err)
	}
	if err := e.writeRegister(regConfigPort0, 0x00); err != nil {
		return fmt.Errorf("expander: configure bank0 direction: %w", err)
	}

	bank1Config := byte(1 << bank1DaughterDetect)
	bank1Output := byte(0) // LED off (active-high)
	if err := e.writeRegister(regOutputPort1, bank1Output); err != nil {
		return fmt.Errorf("expander: set bank1 output: %w", err)
	}
	if err := e.writeRegister(regConfigPort1, bank1Config); err != nil {
		return fmt.Errorf("expander: configure bank1 direction: %w", err)
	}
	return nil
}

// daughterboardConnected reads the live detect pin.
func (e *expander) daughterboardConnected() (bool, error) {
	v, err := e.readRegister(regInputPort1)
	if err != nil {
		return false, err
	}
	return v&(1<<bank1DaughterDetect) != 0, nil
}

// openAllSwitches drives every crossbar switch on this shield open.
func (e *expander) openAllSwitches() error {
	return e.writeRegister(regOutputPort0, 0xFF)
}

// closePair closes the channel-side switch for channelIdx and, after it
// is confirmed written, the target-side switch for targetIdx. Ordering
// matches spec: target-side closes after channel-side.
func (e *expander) closePair(channelIdx, targetIdx uint8) error {
	cur, err := e.readRegister(regOutputPort0)
	if err != nil {
		return fmt.Errorf("expander: read bank0 before close: %w", err)
	}
	channelMask := byte(1 << channelIdx)
	targetMask := byte(1 << (4 + targetIdx))

	if err := e.writeRegister(regOutputPort0, cur&^channelMask); err != nil {
		return fmt.Errorf("expander: close channel-side switch: %w", err)
	}
	cur &^= channelMask
	if err := e.writeRegister(regOutputPort0, cur&^targetMask); err != nil {
		return fmt.Errorf("expander: close target-side switch: %w", err)
	}
	return nil
}
