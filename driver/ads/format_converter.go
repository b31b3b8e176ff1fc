package ads

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// stringSize is the wire size of the default PLC STRING (80 chars + NUL).
const stringSize = 81

// SizeOf returns the wire size in bytes of a primitive type.
func SizeOf(t DataType) (int, error) {
	switch t {
	case TypeBool, TypeByte:
		return 1, nil
	case TypeWord, TypeInt:
		return 2, nil
	case TypeDWord, TypeDInt, TypeReal:
		return 4, nil
	case TypeLReal:
		return 8, nil
	case TypeString:
		return stringSize, nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", t)
	}
}

// Decode converts raw PLC bytes to the typed value. All multi-byte types are
// little-endian.
func Decode(buf []byte, t DataType) (interface{}, error) {
	size, err := SizeOf(t)
	if err != nil {
		return nil, err
	}
	if len(buf) < size && t != TypeString {
		return nil, fmt.Errorf("short read for %s: got %d bytes, want %d", t, len(buf), size)
	}

	switch t {
	case TypeBool:
		return buf[0] != 0, nil
	case TypeByte:
		return uint8(buf[0]), nil
	case TypeWord:
		return binary.LittleEndian.Uint16(buf), nil
	case TypeDWord:
		return binary.LittleEndian.Uint32(buf), nil
	case TypeInt:
		return int16(binary.LittleEndian.Uint16(buf)), nil
	case TypeDInt:
		return int32(binary.LittleEndian.Uint32(buf)), nil
	case TypeReal:
		bits := binary.LittleEndian.Uint32(buf)
		return math.Float32frombits(bits), nil
	case TypeLReal:
		bits := binary.LittleEndian.Uint64(buf)
		return math.Float64frombits(bits), nil
	case TypeString:
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			buf = buf[:i]
		}
		return string(buf), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", t)
	}
}

// Encode converts a typed value to its wire bytes. Numeric values accept the
// JSON float64 rendering as well as the native Go type.
func Encode(value interface{}, t DataType) ([]byte, error) {
	switch t {
	case TypeBool:
		b, err := coerceBool(value)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeByte:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil

	case TypeWord:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(n))
		return buf, nil

	case TypeDWord:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(n))
		return buf, nil

	case TypeInt:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil

	case TypeDInt:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
		return buf, nil

	case TypeReal:
		f, err := coerceFloat(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil

	case TypeLReal:
		f, err := coerceFloat(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as string", value)
		}
		buf := make([]byte, stringSize)
		copy(buf[:stringSize-1], s) // last byte stays NUL
		return buf, nil

	default:
		return nil, fmt.Errorf("unsupported data type: %s", t)
	}
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot encode %T as bool", value)
	}
}

func coerceInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("cannot encode %T as integer", value)
	}
}

func coerceFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cannot encode %T as float", value)
	}
}
