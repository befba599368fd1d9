package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hiverack/hive/internal/hivetypes"
)

const (
	fieldDefineEntry protowire.Number = 1
	fieldDefineName  protowire.Number = 1
	fieldDefineValue protowire.Number = 2

	fieldOptFilter         protowire.Number = 1
	fieldOptIncludeIgnored protowire.Number = 2
	fieldOptShieldAllow    protowire.Number = 3

	fieldResultStatus      protowire.Number = 1
	fieldResultCause       protowire.Number = 2
	fieldResultShouldPanic protowire.Number = 3
	fieldResultTestName    protowire.Number = 4
	fieldResultModulePath  protowire.Number = 5
	fieldResultTargetName  protowire.Number = 6
	fieldResultProbeName   protowire.Number = 7
	fieldResultProbeSerial protowire.Number = 8
	fieldResultBacktrace   protowire.Number = 9

	fieldErrorMsg    protowire.Number = 1
	fieldErrorSource protowire.Number = 2

	fieldResultsStatus protowire.Number = 1
	fieldResultsEntry  protowire.Number = 2
	fieldResultsError  protowire.Number = 3
)

func encodeDefineRegistry(d *hivetypes.DefineRegistry) []byte {
	if d == nil {
		return nil
	}
	var b []byte
	for name, value := range d.Values {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldDefineName, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, fieldDefineValue, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(value))
		b = protowire.AppendTag(b, fieldDefineEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func decodeDefineRegistry(data []byte) (*hivetypes.DefineRegistry, error) {
	d := hivetypes.NewDefineRegistry()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: define registry tag", ErrMalformed)
		}
		data = data[n:]
		if num != fieldDefineEntry {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: define registry unknown field", ErrMalformed)
			}
			data = data[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: define registry entry bytes", ErrMalformed)
		}
		data = data[n:]

		var name string
		var value uint64
		for len(entry) > 0 {
			enum, etyp, en := protowire.ConsumeTag(entry)
			if en < 0 {
				return nil, fmt.Errorf("%w: define entry tag", ErrMalformed)
			}
			entry = entry[en:]
			switch enum {
			case fieldDefineName:
				s, en := protowire.ConsumeString(entry)
				if en < 0 {
					return nil, fmt.Errorf("%w: define entry name", ErrMalformed)
				}
				name = s
				entry = entry[en:]
			case fieldDefineValue:
				v, en := protowire.ConsumeVarint(entry)
				if en < 0 {
					return nil, fmt.Errorf("%w: define entry value", ErrMalformed)
				}
				value = v
				entry = entry[en:]
			default:
				en := protowire.ConsumeFieldValue(enum, etyp, entry)
				if en < 0 {
					return nil, fmt.Errorf("%w: define entry unknown field", ErrMalformed)
				}
				entry = entry[en:]
			}
		}
		d.Set(name, uint32(value))
	}
	return d, nil
}

func encodeTestOptions(o hivetypes.TestOptions) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOptFilter, protowire.BytesType)
	b = protowire.AppendString(b, o.Filter)
	var inc uint64
	if o.IncludeIgnored {
		inc = 1
	}
	b = protowire.AppendTag(b, fieldOptIncludeIgnored, protowire.VarintType)
	b = protowire.AppendVarint(b, inc)
	for _, sp := range o.ShieldAllowlist {
		b = protowire.AppendTag(b, fieldOptShieldAllow, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sp))
	}
	return b
}

func decodeTestOptions(data []byte) (hivetypes.TestOptions, error) {
	var o hivetypes.TestOptions
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return o, fmt.Errorf("%w: test options tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldOptFilter:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return o, fmt.Errorf("%w: test options filter", ErrMalformed)
			}
			o.Filter = s
			data = data[n:]
		case fieldOptIncludeIgnored:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return o, fmt.Errorf("%w: test options include_ignored", ErrMalformed)
			}
			o.IncludeIgnored = v == 1
			data = data[n:]
		case fieldOptShieldAllow:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return o, fmt.Errorf("%w: test options shield_allowlist", ErrMalformed)
			}
			o.ShieldAllowlist = append(o.ShieldAllowlist, uint8(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return o, fmt.Errorf("%w: test options unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return o, nil
}

func encodeTestResult(r hivetypes.TestResult) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResultStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	b = protowire.AppendTag(b, fieldResultCause, protowire.BytesType)
	b = protowire.AppendString(b, r.Cause)
	var sp uint64
	if r.ShouldPanic {
		sp = 1
	}
	b = protowire.AppendTag(b, fieldResultShouldPanic, protowire.VarintType)
	b = protowire.AppendVarint(b, sp)
	b = protowire.AppendTag(b, fieldResultTestName, protowire.BytesType)
	b = protowire.AppendString(b, r.TestName)
	b = protowire.AppendTag(b, fieldResultModulePath, protowire.BytesType)
	b = protowire.AppendString(b, r.ModulePath)
	b = protowire.AppendTag(b, fieldResultTargetName, protowire.BytesType)
	b = protowire.AppendString(b, r.TargetName)
	b = protowire.AppendTag(b, fieldResultProbeName, protowire.BytesType)
	b = protowire.AppendString(b, r.ProbeName)
	b = protowire.AppendTag(b, fieldResultProbeSerial, protowire.BytesType)
	b = protowire.AppendString(b, r.ProbeSerial)
	b = protowire.AppendTag(b, fieldResultBacktrace, protowire.BytesType)
	b = protowire.AppendString(b, r.Backtrace)
	return b
}

func decodeTestResult(data []byte) (hivetypes.TestResult, error) {
	var r hivetypes.TestResult
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("%w: test result tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldResultStatus:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result status", ErrMalformed)
			}
			r.Status = hivetypes.TestStatusKind(v)
			data = data[n:]
		case fieldResultCause:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result cause", ErrMalformed)
			}
			r.Cause = s
			data = data[n:]
		case fieldResultShouldPanic:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result should_panic", ErrMalformed)
			}
			r.ShouldPanic = v == 1
			data = data[n:]
		case fieldResultTestName:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result test_name", ErrMalformed)
			}
			r.TestName = s
			data = data[n:]
		case fieldResultModulePath:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result module_path", ErrMalformed)
			}
			r.ModulePath = s
			data = data[n:]
		case fieldResultTargetName:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result target_name", ErrMalformed)
			}
			r.TargetName = s
			data = data[n:]
		case fieldResultProbeName:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result probe_name", ErrMalformed)
			}
			r.ProbeName = s
			data = data[n:]
		case fieldResultProbeSerial:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result probe_serial", ErrMalformed)
			}
			r.ProbeSerial = s
			data = data[n:]
		case fieldResultBacktrace:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result backtrace", ErrMalformed)
			}
			r.Backtrace = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("%w: test result unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func encodeResultsError(e hivetypes.ResultsErrorDetail) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldErrorMsg, protowire.BytesType)
	b = protowire.AppendString(b, e.Msg)
	b = protowire.AppendTag(b, fieldErrorSource, protowire.BytesType)
	b = protowire.AppendString(b, e.Source)
	return b
}

func decodeResultsError(data []byte) (hivetypes.ResultsErrorDetail, error) {
	var e hivetypes.ResultsErrorDetail
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("%w: results error tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldErrorMsg:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return e, fmt.Errorf("%w: results error msg", ErrMalformed)
			}
			e.Msg = s
			data = data[n:]
		case fieldErrorSource:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return e, fmt.Errorf("%w: results error source", ErrMalformed)
			}
			e.Source = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("%w: results error unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return e, nil
}

func encodeTestResults(r hivetypes.TestResults) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResultsStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	for _, res := range r.Results {
		b = protowire.AppendTag(b, fieldResultsEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTestResult(res))
	}
	if r.Error != nil {
		b = protowire.AppendTag(b, fieldResultsError, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeResultsError(*r.Error))
	}
	return b
}

func decodeTestResults(data []byte) (hivetypes.TestResults, error) {
	var r hivetypes.TestResults
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("%w: test results tag", ErrMalformed)
		}
		data = data[n:]
		switch num {
		case fieldResultsStatus:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test results status", ErrMalformed)
			}
			r.Status = hivetypes.ResultsStatus(v)
			data = data[n:]
		case fieldResultsEntry:
			eb, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test results entry", ErrMalformed)
			}
			res, err := decodeTestResult(eb)
			if err != nil {
				return r, err
			}
			r.Results = append(r.Results, res)
			data = data[n:]
		case fieldResultsError:
			eb, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("%w: test results error", ErrMalformed)
			}
			e, err := decodeResultsError(eb)
			if err != nil {
				return r, err
			}
			r.Error = &e
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("%w: test results unknown field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return r, nil
}
