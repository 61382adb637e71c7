package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// ValueType represents the type of a stored value
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
)

// String returns the wire name of a value type.
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value represents a typed value owned by the embedding runtime. The engine
// never interprets it beyond copying and serializing it.
type Value struct {
	Type ValueType
	Data []byte
}

// Helper functions to create typed values
func NullValue() Value {
	return Value{Type: TypeNull}
}

func StringValue(s string) Value {
	return Value{Type: TypeString, Data: []byte(s)}
}

func IntValue(i int64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(i))
	return Value{Type: TypeInt, Data: data}
}

func FloatValue(f float64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(f))
	return Value{Type: TypeFloat, Data: data}
}

func BoolValue(b bool) Value {
	data := []byte{0}
	if b {
		data[0] = 1
	}
	return Value{Type: TypeBool, Data: data}
}

func BytesValue(b []byte) Value {
	return Value{Type: TypeBytes, Data: b}
}

// Decode methods
func (v Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value is not a string")
	}
	return string(v.Data), nil
}

func (v Value) AsInt() (int64, error) {
	if v.Type != TypeInt {
		return 0, fmt.Errorf("value is not an int")
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsFloat() (float64, error) {
	if v.Type != TypeFloat {
		return 0, fmt.Errorf("value is not a float")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsBool() (bool, error) {
	if v.Type != TypeBool {
		return false, fmt.Errorf("value is not a bool")
	}
	return v.Data[0] == 1, nil
}

func (v Value) AsBytes() ([]byte, error) {
	if v.Type != TypeBytes {
		return nil, fmt.Errorf("value is not bytes")
	}
	return v.Data, nil
}

// IsNull reports whether the value is the null value.
func (v Value) IsNull() bool {
	return v.Type == TypeNull
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && bytes.Equal(v.Data, other.Data)
}

// Clone returns a deep copy so callers cannot mutate buffered state.
func (v Value) Clone() Value {
	if v.Data == nil {
		return Value{Type: v.Type}
	}
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{Type: v.Type, Data: data}
}

// jsonValue is the persisted representation used by the file and sqlite
// backends: {"type": "...", "value": ...}.
type jsonValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Type: v.Type.String()}

	switch v.Type {
	case TypeNull:
		// No payload.
	case TypeString:
		raw, err := json.Marshal(string(v.Data))
		if err != nil {
			return nil, err
		}
		jv.Value = raw
	case TypeInt:
		i, err := v.AsInt()
		if err != nil {
			return nil, err
		}
		jv.Value = []byte(fmt.Sprintf("%d", i))
	case TypeFloat:
		f, err := v.AsFloat()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		jv.Value = raw
	case TypeBool:
		b, err := v.AsBool()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		jv.Value = raw
	case TypeBytes:
		raw, err := json.Marshal(base64.StdEncoding.EncodeToString(v.Data))
		if err != nil {
			return nil, err
		}
		jv.Value = raw
	default:
		return nil, fmt.Errorf("unknown value type %d", v.Type)
	}

	return json.Marshal(jv)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}

	switch jv.Type {
	case "null":
		*v = NullValue()
	case "string":
		var s string
		if err := json.Unmarshal(jv.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case "int":
		var i int64
		if err := json.Unmarshal(jv.Value, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case "float":
		var f float64
		if err := json.Unmarshal(jv.Value, &f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case "bool":
		var b bool
		if err := json.Unmarshal(jv.Value, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case "bytes":
		var s string
		if err := json.Unmarshal(jv.Value, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid bytes payload: %w", err)
		}
		*v = BytesValue(raw)
	default:
		return fmt.Errorf("unknown value type %q", jv.Type)
	}

	return nil
}
