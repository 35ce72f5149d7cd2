package device

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the data type of a variable.
type Kind int

const (
	KindInt8 Kind = iota + 1
	KindUInt8
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindFloat
	KindByteArray
	KindTimestamp
)

// TimestampLength is the size of the packed date-and-time structure.
const TimestampLength = 12

type kindInfo struct {
	name    string
	aliases []string
	length  int // 0 means configurable
	decode  func(b []byte) interface{}
	encode  func(v interface{}, length int) ([]byte, error)
}

var kindTable = map[Kind]kindInfo{
	KindInt8: {
		name: "s7Int8", aliases: []string{"int8", "sint"}, length: 1,
		decode: func(b []byte) interface{} { return int8(b[0]) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, math.MinInt8, math.MaxInt8)
			if err != nil {
				return nil, err
			}
			return []byte{byte(int8(n))}, nil
		},
	},
	KindUInt8: {
		name: "s7UInt8", aliases: []string{"uint8", "byte", "usint"}, length: 1,
		decode: func(b []byte) interface{} { return b[0] },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, 0, math.MaxUint8)
			if err != nil {
				return nil, err
			}
			return []byte{byte(n)}, nil
		},
	},
	KindInt16: {
		name: "s7Int16", aliases: []string{"int16", "int"}, length: 2,
		decode: func(b []byte) interface{} { return int16(binary.BigEndian.Uint16(b)) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, math.MinInt16, math.MaxInt16)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint16(nil, uint16(int16(n))), nil
		},
	},
	KindUInt16: {
		name: "s7UInt16", aliases: []string{"uint16", "word", "uint"}, length: 2,
		decode: func(b []byte) interface{} { return binary.BigEndian.Uint16(b) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, 0, math.MaxUint16)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint16(nil, uint16(n)), nil
		},
	},
	KindInt32: {
		name: "s7Int32", aliases: []string{"int32", "dint"}, length: 4,
		decode: func(b []byte) interface{} { return int32(binary.BigEndian.Uint32(b)) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, math.MinInt32, math.MaxInt32)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint32(nil, uint32(int32(n))), nil
		},
	},
	KindUInt32: {
		name: "s7UInt32", aliases: []string{"uint32", "dword", "udint"}, length: 4,
		decode: func(b []byte) interface{} { return binary.BigEndian.Uint32(b) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			n, err := intInRange(v, 0, math.MaxUint32)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint32(nil, uint32(n)), nil
		},
	},
	KindFloat: {
		name: "s7Float", aliases: []string{"float", "float32", "real"}, length: 4,
		decode: func(b []byte) interface{} { return math.Float32frombits(binary.BigEndian.Uint32(b)) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			f, err := toFloat64(v)
			if err != nil {
				return nil, err
			}
			if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
				return nil, fmt.Errorf("%w: %v out of float32 range", ErrValidation, f)
			}
			return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
		},
	},
	KindByteArray: {
		name: "s7ByteArray", aliases: []string{"bytearray", "bytes"}, length: 0,
		decode: func(b []byte) interface{} { return append([]byte(nil), b...) },
		encode: func(v interface{}, length int) ([]byte, error) {
			b, err := toBytes(v)
			if err != nil {
				return nil, err
			}
			if len(b) != length {
				return nil, fmt.Errorf("%w: byte array of %d elements, expected %d", ErrValidation, len(b), length)
			}
			return b, nil
		},
	},
	KindTimestamp: {
		name: "s7DTL", aliases: []string{"timestamp", "dtl", "datetime"}, length: TimestampLength,
		decode: func(b []byte) interface{} { return DecodeTimestamp(b) },
		encode: func(v interface{}, _ int) ([]byte, error) {
			ms, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return EncodeTimestamp(ms)
		},
	},
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind)
	for k, info := range kindTable {
		m[strings.ToLower(info.name)] = k
		for _, alias := range info.aliases {
			m[alias] = k
		}
	}
	return m
}()

// ParseKind maps a wire type string (e.g. "s7Int16") or a short alias to a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindsByName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: unknown variable type %q", ErrValidation, s)
}

// String returns the wire type string.
func (k Kind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// FixedLength returns the byte length of the kind, or 0 if it is configurable.
func (k Kind) FixedLength() int {
	return kindTable[k].length
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Decode converts raw big-endian bytes into the kind's host value.
func (k Kind) Decode(b []byte) (interface{}, error) {
	info, ok := kindTable[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrValidation, int(k))
	}
	if info.length > 0 && len(b) != info.length {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValidation, info.name, info.length, len(b))
	}
	return info.decode(b), nil
}

// Encode converts a host value into length raw bytes.
// Numbers may arrive as any Go numeric type, a json.Number or a numeric string.
func (k Kind) Encode(v interface{}, length int) ([]byte, error) {
	info, ok := kindTable[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrValidation, int(k))
	}
	b, err := info.encode(v, length)
	if err != nil {
		return nil, err
	}
	if len(b) != length {
		return nil, fmt.Errorf("%w: encoded %d bytes, expected %d", ErrValidation, len(b), length)
	}
	return b, nil
}

// Zero returns the kind's value for an all-zero buffer of length bytes.
func (k Kind) Zero(length int) interface{} {
	v, _ := k.Decode(make([]byte, length))
	return v
}

func intInRange(v interface{}, min, max int64) (int64, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", ErrValidation, n, min, max)
	}
	return n, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range", ErrValidation, n)
		}
		return int64(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValidation, n)
		}
		return floatToInt(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrValidation, n)
		}
		return i, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot use %T as integer", ErrValidation, v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrValidation, f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v out of range", ErrValidation, f)
	}
	return int64(f), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValidation, n)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrValidation, n)
		}
		return f, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

func toBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return append([]byte(nil), b...), nil
	case []int:
		out := make([]byte, len(b))
		for i, n := range b {
			if n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%w: element %d (%d) is not a byte", ErrValidation, i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []interface{}:
		out := make([]byte, len(b))
		for i, e := range b {
			n, err := intInRange(e, 0, math.MaxUint8)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot use %T as byte array", ErrValidation, v)
}

// ByteInts converts a byte slice to ints so JSON renders numbers, not base64.
func ByteInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
