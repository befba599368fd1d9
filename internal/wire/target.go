package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hiverack/hive/internal/hivetypes"
)

const (
	fieldMemNVMStart protowire.Number = 1
	fieldMemNVMEnd   protowire.Number = 2
	fieldMemRAMStart protowire.Number = 3
	fieldMemRAMEnd   protowire.Number = 4

	fieldTargetInfoName     protowire.Number = 1
	fieldTargetInfoArch     protowire.Number = 2
	fieldTargetInfoMemory   protowire.Number = 3
	fieldTargetInfoFlashErr protowire.Number = 4

	fieldTargetStateKind protowire.Number = 1
	fieldTargetStateInfo protowire.Number = 2
)

func encodeMemoryRange(m hivetypes.MemoryRange, startNum, endNum protowire.Number) []byte {
	var b []byte
	b = protowire.AppendTag(b, startNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Start))
	b = protowire.AppendTag(b, endNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.End))
	return b
}

func encodeMemory(m hivetypes.Memory) []byte {
	var b []byte
	b = append(b, encodeMemoryRange(m.NVM, fieldMemNVMStart, fieldMemNVMEnd)...)
	b = append(b, encodeMemoryRange(m.RAM, fieldMemRAMStart, fieldMemRAMEnd)...)
	return b
}

func decodeMemory(data []byte) (hivetypes.Memory, error) {
	var m hivetypes.Memory
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("%w: memory tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldMemNVMStart:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("%w: memory nvm start", ErrMalformed)
			}
			m.NVM.Start = uint32(v)
			data = data[n:]
		case fieldMemNVMEnd:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("%w: memory nvm end", ErrMalformed)
			}
			m.NVM.End = uint32(v)
			data = data[n:]
		case fieldMemRAMStart:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("%w: memory ram start", ErrMalformed)
			}
			m.RAM.Start = uint32(v)
			data = data[n:]
		case fieldMemRAMEnd:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("%w: memory ram end", ErrMalformed)
			}
			m.RAM.End = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, fmt.Errorf("%w: memory unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func encodeTargetInfo(t hivetypes.TargetInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTargetInfoName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = protowire.AppendTag(b, fieldTargetInfoArch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Architecture))
	if t.Memory != nil {
		b = protowire.AppendTag(b, fieldTargetInfoMemory, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMemory(*t.Memory))
	}
	b = protowire.AppendTag(b, fieldTargetInfoFlashErr, protowire.BytesType)
	b = protowire.AppendString(b, t.FlashStatus.Err)
	return b
}

func decodeTargetInfo(data []byte) (hivetypes.TargetInfo, error) {
	var t hivetypes.TargetInfo
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, fmt.Errorf("%w: target info tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldTargetInfoName:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target info name", ErrMalformed)
			}
			t.Name = s
			data = data[n:]
		case fieldTargetInfoArch:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target info arch", ErrMalformed)
			}
			t.Architecture = hivetypes.Architecture(v)
			data = data[n:]
		case fieldTargetInfoMemory:
			mb, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target info memory", ErrMalformed)
			}
			mem, err := decodeMemory(mb)
			if err != nil {
				return t, err
			}
			t.Memory = &mem
			data = data[n:]
		case fieldTargetInfoFlashErr:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target info flash err", ErrMalformed)
			}
			t.FlashStatus = hivetypes.FlashResult{Err: s}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, fmt.Errorf("%w: target info unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return t, nil
}

func encodeTargetState(t hivetypes.TargetState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTargetStateKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Kind))
	if t.Kind == hivetypes.TargetKnown {
		b = protowire.AppendTag(b, fieldTargetStateInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTargetInfo(t.Info))
	}
	return b
}

func decodeTargetState(data []byte) (hivetypes.TargetState, error) {
	var t hivetypes.TargetState
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, fmt.Errorf("%w: target state tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldTargetStateKind:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target state kind", ErrMalformed)
			}
			t.Kind = hivetypes.TargetStateKind(v)
			data = data[n:]
		case fieldTargetStateInfo:
			ib, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, fmt.Errorf("%w: target state info", ErrMalformed)
			}
			info, err := decodeTargetInfo(ib)
			if err != nil {
				return t, err
			}
			t.Info = info
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, fmt.Errorf("%w: target state unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return t, nil
}

// encodeTargetStateArray encodes the fixed 4-channel array belonging to a
// single shield, always emitting exactly 4 slots in channel order.
func encodeTargetStateArray(states [4]hivetypes.TargetState) []byte {
	var b []byte
	for _, s := range states {
		b = protowire.AppendTag(b, fieldSlot, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTargetState(s))
	}
	return b
}

func decodeTargetStateArray(data []byte) ([4]hivetypes.TargetState, error) {
	var out [4]hivetypes.TargetState
	idx := 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out, fmt.Errorf("%w: target state array tag", ErrMalformed)
		}
		data = data[n:]
		if num != fieldSlot {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return out, fmt.Errorf("%w: target state array unknown field", ErrMalformed)
			}
			data = data[n:]
			continue
		}
		sb, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out, fmt.Errorf("%w: target state array slot bytes", ErrMalformed)
		}
		data = data[n:]
		if idx >= len(out) {
			return out, fmt.Errorf("%w: too many target channels", ErrMalformed)
		}
		st, err := decodeTargetState(sb)
		if err != nil {
			return out, err
		}
		out[idx] = st
		idx++
	}
	if idx != len(out) {
		return out, fmt.Errorf("%w: expected %d target channels, got %d", ErrMalformed, len(out), idx)
	}
	return out, nil
}

func encodeTargetInitData(t hivetypes.TargetInitData) []byte {
	var b []byte
	for _, shield := range t {
		var inner []byte
		if shield != nil {
			inner = encodeTargetStateArray(*shield)
		}
		b = protowire.AppendTag(b, fieldSlot, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSlot(shield != nil, inner))
	}
	return b
}

func decodeTargetInitData(data []byte) (hivetypes.TargetInitData, error) {
	var out hivetypes.TargetInitData
	idx := 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out, fmt.Errorf("%w: target init tag", ErrMalformed)
		}
		data = data[n:]
		if num != fieldSlot {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return out, fmt.Errorf("%w: target init unknown field", ErrMalformed)
			}
			data = data[n:]
			continue
		}
		slotBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return out, fmt.Errorf("%w: target init slot bytes", ErrMalformed)
		}
		data = data[n:]
		present, inner, err := decodeSlot(slotBytes)
		if err != nil {
			return out, err
		}
		if idx >= len(out) {
			return out, fmt.Errorf("%w: too many target init shields", ErrMalformed)
		}
		if present {
			arr, err := decodeTargetStateArray(inner)
			if err != nil {
				return out, err
			}
			out[idx] = &arr
		}
		idx++
	}
	if idx != len(out) {
		return out, fmt.Errorf("%w: expected %d target init shields, got %d", ErrMalformed, len(out), idx)
	}
	return out, nil
}
