package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hiverack/hive/internal/hivetypes"
)

const (
	fieldProbeVendorID     protowire.Number = 1
	fieldProbeProductID    protowire.Number = 2
	fieldProbeSerialNumber protowire.Number = 3
	fieldProbeHIDInterface protowire.Number = 4
	fieldProbeIdentifier   protowire.Number = 5

	fieldSlot protowire.Number = 1 // repeated, used for fixed-size slot arrays
)

func encodeProbeDescriptor(p hivetypes.ProbeDescriptor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldProbeVendorID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.VendorID))
	b = protowire.AppendTag(b, fieldProbeProductID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.ProductID))
	if p.SerialNumber != nil {
		b = protowire.AppendTag(b, fieldProbeSerialNumber, protowire.BytesType)
		b = protowire.AppendString(b, *p.SerialNumber)
	}
	if p.HIDInterface != nil {
		b = protowire.AppendTag(b, fieldProbeHIDInterface, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*p.HIDInterface))
	}
	b = protowire.AppendTag(b, fieldProbeIdentifier, protowire.BytesType)
	b = protowire.AppendString(b, p.Identifier)
	return b
}

func decodeProbeDescriptor(data []byte) (hivetypes.ProbeDescriptor, error) {
	var p hivetypes.ProbeDescriptor
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("%w: probe descriptor tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldProbeVendorID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe vendor_id", ErrMalformed)
			}
			p.VendorID = uint16(v)
			data = data[n:]
		case fieldProbeProductID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe product_id", ErrMalformed)
			}
			p.ProductID = uint16(v)
			data = data[n:]
		case fieldProbeSerialNumber:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe serial_number", ErrMalformed)
			}
			p.SerialNumber = &s
			data = data[n:]
		case fieldProbeHIDInterface:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe hid_interface", ErrMalformed)
			}
			iface := uint8(v)
			p.HIDInterface = &iface
			data = data[n:]
		case fieldProbeIdentifier:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe identifier", ErrMalformed)
			}
			p.Identifier = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("%w: probe descriptor unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// encodeSlot wraps an optional sub-message as a presence-prefixed blob so
// that a fixed-size array of N slots can be decoded positionally: exactly N
// occurrences of fieldSlot are emitted, in order, and an absent slot is a
// single `0` presence byte with no further payload.
func encodeSlot(present bool, inner []byte) []byte {
	var presence uint64
	if present {
		presence = 1
	}
	b := protowire.AppendVarint(nil, presence)
	if present {
		b = append(b, inner...)
	}
	return b
}

func decodeSlot(data []byte) (present bool, inner []byte, err error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return false, nil, fmt.Errorf("%w: slot presence", ErrMalformed)
	}
	return v == 1, data[n:], nil
}

func encodeProbeInitData(p hivetypes.ProbeInitData) []byte {
	var b []byte
	for _, slot := range p {
		var inner []byte
		if slot != nil {
			inner = encodeProbeDescriptor(*slot)
		}
		b = protowire.AppendTag(b, fieldSlot, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSlot(slot != nil, inner))
	}
	return b
}

func decodeProbeInitData(data []byte) (hivetypes.ProbeInitData, error) {
	var out hivetypes.ProbeInitData
	idx := 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out, fmt.Errorf("%w: probe init tag", ErrMalformed)
		}
		data = data[n:]
		if num != fieldSlot {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return out, fmt.Errorf("%w: probe init unknown field", ErrMalformed)
			}
			data = data[n:]
			continue
		}
		slotBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out, fmt.Errorf("%w: probe init slot bytes", ErrMalformed)
		}
		data = data[n:]
		present, inner, err := decodeSlot(slotBytes)
		if err != nil {
			return out, err
		}
		if idx >= len(out) {
			return out, fmt.Errorf("%w: too many probe init slots", ErrMalformed)
		}
		if present {
			desc, err := decodeProbeDescriptor(inner)
			if err != nil {
				return out, err
			}
			out[idx] = &desc
		}
		idx++
	}
	if idx != len(out) {
		return out, fmt.Errorf("%w: expected %d probe init slots, got %d", ErrMalformed, len(out), idx)
	}
	return out, nil
}
