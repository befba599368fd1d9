// Package wire implements the monitor<->runner IPC wire format: a compact,
// self-describing binary encoding of the IpcMessage tagged union (spec §6).
//
// Encoding is hand-rolled on top of google.golang.org/protobuf's low-level
// protowire primitives rather than generated from a .proto file, so that the
// discriminant numbering is pinned directly in this package and reviewable
// in one place. Field numbers below are part of the wire contract: changing
// one is a breaking change between monitor and runner builds of the same
// release, exactly as spec §6 requires ("Schema and discriminants must be
// bit-for-bit preserved").
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hiverack/hive/internal/hivetypes"
)

const (
	fieldKind    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// ErrMalformed is wrapped by every decode error, so callers can distinguish
// "bad bytes on the wire" from a transport-level failure.
var ErrMalformed = errors.New("wire: malformed ipc message")

// Encode serializes an IpcMessage to its wire representation.
func Encode(msg hivetypes.IpcMessage) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// Decode parses a wire-format byte slice back into an IpcMessage.
func Decode(data []byte) (hivetypes.IpcMessage, error) {
	var kind hivetypes.IpcMessageKind
	var payload []byte
	var sawKind, sawPayload bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return hivetypes.IpcMessage{}, fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		data = data[n:]

		switch num {
		case fieldKind:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return hivetypes.IpcMessage{}, fmt.Errorf("%w: bad kind varint", ErrMalformed)
			}
			kind = hivetypes.IpcMessageKind(v)
			sawKind = true
			data = data[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return hivetypes.IpcMessage{}, fmt.Errorf("%w: bad payload bytes", ErrMalformed)
			}
			payload = v
			sawPayload = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return hivetypes.IpcMessage{}, fmt.Errorf("%w: unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}

	if !sawKind {
		return hivetypes.IpcMessage{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if !sawPayload {
		payload = nil
	}

	return decodePayload(kind, payload)
}

func encodePayload(msg hivetypes.IpcMessage) ([]byte, error) {
	switch msg.Kind {
	case hivetypes.IpcEmpty:
		return nil, nil
	case hivetypes.IpcProbeInitData:
		if msg.Probes == nil {
			return nil, fmt.Errorf("ProbeInitData message missing Probes")
		}
		return encodeProbeInitData(*msg.Probes), nil
	case hivetypes.IpcTargetInitData:
		if msg.Targets == nil {
			return nil, fmt.Errorf("TargetInitData message missing Targets")
		}
		return encodeTargetInitData(*msg.Targets), nil
	case hivetypes.IpcDefineRegistry:
		return encodeDefineRegistry(msg.Defines), nil
	case hivetypes.IpcTestOptions:
		if msg.Options == nil {
			return nil, fmt.Errorf("TestOptionData message missing Options")
		}
		return encodeTestOptions(*msg.Options), nil
	case hivetypes.IpcTestResults:
		if msg.Results == nil {
			return nil, fmt.Errorf("TestResults message missing Results")
		}
		return encodeTestResults(*msg.Results), nil
	case hivetypes.IpcDesyncError:
		return protowire.AppendString(nil, msg.DesyncError), nil
	default:
		return nil, fmt.Errorf("unknown IpcMessageKind %d", msg.Kind)
	}
}

func decodePayload(kind hivetypes.IpcMessageKind, payload []byte) (hivetypes.IpcMessage, error) {
	switch kind {
	case hivetypes.IpcEmpty:
		return hivetypes.EmptyMessage(), nil
	case hivetypes.IpcProbeInitData:
		v, err := decodeProbeInitData(payload)
		if err != nil {
			return hivetypes.IpcMessage{}, err
		}
		return hivetypes.ProbeMessage(v), nil
	case hivetypes.IpcTargetInitData:
		v, err := decodeTargetInitData(payload)
		if err != nil {
			return hivetypes.IpcMessage{}, err
		}
		return hivetypes.TargetMessage(v), nil
	case hivetypes.IpcDefineRegistry:
		v, err := decodeDefineRegistry(payload)
		if err != nil {
			return hivetypes.IpcMessage{}, err
		}
		return hivetypes.DefinesMessage(v), nil
	case hivetypes.IpcTestOptions:
		v, err := decodeTestOptions(payload)
		if err != nil {
			return hivetypes.IpcMessage{}, err
		}
		return hivetypes.OptionsMessage(v), nil
	case hivetypes.IpcTestResults:
		v, err := decodeTestResults(payload)
		if err != nil {
			return hivetypes.IpcMessage{}, err
		}
		return hivetypes.ResultsMessage(v), nil
	case hivetypes.IpcDesyncError:
		s, ok := consumeStringFull(payload)
		if !ok {
			return hivetypes.IpcMessage{}, fmt.Errorf("%w: bad desync string", ErrMalformed)
		}
		return hivetypes.DesyncMessage(s), nil
	default:
		return hivetypes.IpcMessage{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}
}

// consumeStringFull decodes a bare (non length-prefixed-at-this-level)
// string payload that spans the entire buffer, as used for DesyncError.
func consumeStringFull(data []byte) (string, bool) {
	s, n := protowire.ConsumeString(data)
	if n < 0 || n != len(data) {
		return "", false
	}
	return s, true
}
