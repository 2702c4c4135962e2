package catalog

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/groundsys/cmdtlm-router/pkg/errors"
)

type FieldType string

const (
	FieldType_Uint8   FieldType = "uint8"
	FieldType_Uint16  FieldType = "uint16"
	FieldType_Uint32  FieldType = "uint32"
	FieldType_Uint64  FieldType = "uint64"
	FieldType_Int8    FieldType = "int8"
	FieldType_Int16   FieldType = "int16"
	FieldType_Int32   FieldType = "int32"
	FieldType_Int64   FieldType = "int64"
	FieldType_Float32 FieldType = "float32"
	FieldType_Float64 FieldType = "float64"
	FieldType_String  FieldType = "string"
	FieldType_Enum    FieldType = "enum"
	FieldType_Array   FieldType = "array"
)

// FieldDef describes one payload field.
//
// String fields occupy Length bytes and are NUL padded. Enum fields are stored with the width of
// Base (uint8 when empty). Array fields hold Length elements of type Elem.
type FieldDef struct {
	Name     string           `yaml:"name"`
	Type     FieldType        `yaml:"type"`
	Length   int              `yaml:"length,omitempty"`
	Base     FieldType        `yaml:"base,omitempty"`
	Elem     FieldType        `yaml:"elem,omitempty"`
	Values   map[string]int64 `yaml:"values,omitempty"`
	Optional bool             `yaml:"optional,omitempty"`
	Default  any              `yaml:"default,omitempty"`
}

// Schema is a fixed-layout payload codec built from field definitions.
type Schema struct {
	Name      string
	Fields    []FieldDef
	ByteOrder binary.ByteOrder
}

func scalarSize(t FieldType) int {
	switch t {
	case FieldType_Uint8, FieldType_Int8:
		return 1
	case FieldType_Uint16, FieldType_Int16:
		return 2
	case FieldType_Uint32, FieldType_Int32, FieldType_Float32:
		return 4
	case FieldType_Uint64, FieldType_Int64, FieldType_Float64:
		return 8
	}
	return 0
}

func (f FieldDef) enumBase() FieldType {
	if f.Base == "" {
		return FieldType_Uint8
	}
	return f.Base
}

// Size returns the number of payload bytes the field occupies.
func (f FieldDef) Size() int {
	switch f.Type {
	case FieldType_String:
		return f.Length
	case FieldType_Enum:
		return scalarSize(f.enumBase())
	case FieldType_Array:
		return f.Length * scalarSize(f.Elem)
	}
	return scalarSize(f.Type)
}

func (f FieldDef) validate() error {
	switch f.Type {
	case FieldType_String:
		if f.Length <= 0 {
			return fmt.Errorf("field %s: string requires a positive length", f.Name)
		}
	case FieldType_Enum:
		base := f.enumBase()
		if scalarSize(base) == 0 || base == FieldType_Float32 || base == FieldType_Float64 {
			return fmt.Errorf("field %s: enum base must be an integer type, got %q", f.Name, base)
		}
		if len(f.Values) == 0 {
			return fmt.Errorf("field %s: enum requires at least one value", f.Name)
		}
		labels := make([]string, 0, len(f.Values))
		for label := range f.Values {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		byValue := make(map[int64]string, len(labels))
		for _, label := range labels {
			v := f.Values[label]
			if other, has := byValue[v]; has {
				return fmt.Errorf("field %s: enum labels %s and %s share value %d", f.Name, other, label, v)
			}
			byValue[v] = label
		}
	case FieldType_Array:
		if f.Length <= 0 || scalarSize(f.Elem) == 0 {
			return fmt.Errorf("field %s: array requires a positive length and a scalar elem type", f.Name)
		}
	default:
		if scalarSize(f.Type) == 0 {
			return fmt.Errorf("field %s: unsupported type %q", f.Name, f.Type)
		}
	}
	return nil
}

// NewSchema validates the field definitions and returns a codec for them.
func NewSchema(name string, fields []FieldDef, order binary.ByteOrder) (*Schema, error) {
	if order == nil {
		order = binary.BigEndian
	}
	seen := map[string]bool{}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: field with empty name", name)
		}
		if seen[f.Name] {
			return nil, &errors.NameCollision{CollisionContext: "Schema " + name, Name: f.Name}
		}
		seen[f.Name] = true
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	return &Schema{Name: name, Fields: fields, ByteOrder: order}, nil
}

// Field returns the definition of the named field.
func (s *Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Size returns the encoded payload size.
func (s *Schema) Size() int {
	n := 0
	for _, f := range s.Fields {
		n += f.Size()
	}
	return n
}

func (s *Schema) Decode(payload []byte) (Fields, error) {
	if len(payload) < s.Size() {
		return nil, fmt.Errorf("payload truncated: %s needs %d bytes, got %d", s.Name, s.Size(), len(payload))
	}

	out := make(Fields, len(s.Fields))
	readPtr := 0
	for _, f := range s.Fields {
		size := f.Size()
		raw := payload[readPtr : readPtr+size]
		readPtr += size

		switch f.Type {
		case FieldType_String:
			out[f.Name] = strings.TrimRight(string(raw), "\x00")
		case FieldType_Enum:
			v := s.readScalar(f.enumBase(), raw)
			label, ok := f.labelFor(v)
			if !ok {
				return nil, fmt.Errorf("field %s: value %v is not a declared enumeration value", f.Name, v)
			}
			out[f.Name] = label
		case FieldType_Array:
			elemSize := scalarSize(f.Elem)
			values := make([]any, f.Length)
			for i := range values {
				values[i] = s.readScalar(f.Elem, raw[i*elemSize:(i+1)*elemSize])
			}
			out[f.Name] = values
		default:
			out[f.Name] = s.readScalar(f.Type, raw)
		}
	}
	return out, nil
}

func (s *Schema) Encode(fields Fields) ([]byte, error) {
	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
	}
	for name := range fields {
		if !known[name] {
			return nil, &errors.InvalidField{MessageName: s.Name, FieldName: name, Reason: "not defined in schema"}
		}
	}

	out := make([]byte, 0, s.Size())
	for _, f := range s.Fields {
		value, has := fields[f.Name]
		if !has {
			switch {
			case f.Default != nil:
				value = f.Default
			case f.Optional:
				out = append(out, make([]byte, f.Size())...)
				continue
			default:
				return nil, &errors.InvalidField{MessageName: s.Name, FieldName: f.Name, Reason: "required field missing"}
			}
		}

		var err error
		out, err = s.appendField(out, f, value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Schema) appendField(out []byte, f FieldDef, value any) ([]byte, error) {
	invalid := func(reason string) error {
		return &errors.InvalidField{MessageName: s.Name, FieldName: f.Name, Reason: reason}
	}

	switch f.Type {
	case FieldType_String:
		str, ok := value.(string)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected string, got %T", value))
		}
		if len(str) > f.Length {
			return nil, invalid(fmt.Sprintf("string of %d bytes exceeds length %d", len(str), f.Length))
		}
		buf := make([]byte, f.Length)
		copy(buf, str)
		return append(out, buf...), nil

	case FieldType_Enum:
		var raw int64
		switch v := value.(type) {
		case string:
			declared, ok := f.Values[v]
			if !ok {
				return nil, invalid(fmt.Sprintf("%q is not in the declared enumeration", v))
			}
			raw = declared
		default:
			n, ok := toInt64(value)
			if !ok {
				return nil, invalid(fmt.Sprintf("expected enumeration label, got %T", value))
			}
			if _, declared := f.labelFor(n); !declared {
				return nil, invalid(fmt.Sprintf("%d is not in the declared enumeration", n))
			}
			raw = n
		}
		return s.appendScalar(out, f.enumBase(), raw, invalid)

	case FieldType_Array:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, invalid(fmt.Sprintf("expected array, got %T", value))
		}
		if rv.Len() != f.Length {
			return nil, invalid(fmt.Sprintf("expected %d elements, got %d", f.Length, rv.Len()))
		}
		var err error
		for i := 0; i < rv.Len(); i++ {
			out, err = s.appendScalar(out, f.Elem, rv.Index(i).Interface(), invalid)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	return s.appendScalar(out, f.Type, value, invalid)
}

func (s *Schema) appendScalar(out []byte, t FieldType, value any, invalid func(string) error) ([]byte, error) {
	switch t {
	case FieldType_Float32, FieldType_Float64:
		fv, ok := toFloat64(value)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected number, got %T", value))
		}
		if t == FieldType_Float32 {
			if math.Abs(fv) > math.MaxFloat32 && !math.IsInf(fv, 0) {
				return nil, invalid(fmt.Sprintf("%v out of range for float32", fv))
			}
			return s.ByteOrder.(binary.AppendByteOrder).AppendUint32(out, math.Float32bits(float32(fv))), nil
		}
		return s.ByteOrder.(binary.AppendByteOrder).AppendUint64(out, math.Float64bits(fv)), nil

	case FieldType_Uint8, FieldType_Uint16, FieldType_Uint32, FieldType_Uint64:
		uv, ok := toUint64(value)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected non-negative integer, got %v (%T)", value, value))
		}
		bits := uint(scalarSize(t) * 8)
		if bits < 64 && uv>>bits != 0 {
			return nil, invalid(fmt.Sprintf("%d out of range for %s", uv, t))
		}
		return s.appendUint(out, scalarSize(t), uv), nil

	case FieldType_Int8, FieldType_Int16, FieldType_Int32, FieldType_Int64:
		iv, ok := toInt64(value)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected integer, got %v (%T)", value, value))
		}
		bits := uint(scalarSize(t) * 8)
		if bits < 64 {
			lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
			if iv < lo || iv > hi {
				return nil, invalid(fmt.Sprintf("%d out of range for %s", iv, t))
			}
		}
		return s.appendUint(out, scalarSize(t), uint64(iv)), nil
	}

	return nil, invalid(fmt.Sprintf("unsupported type %s", t))
}

func (s *Schema) appendUint(out []byte, size int, v uint64) []byte {
	switch size {
	case 1:
		return append(out, uint8(v))
	case 2:
		return s.ByteOrder.(binary.AppendByteOrder).AppendUint16(out, uint16(v))
	case 4:
		return s.ByteOrder.(binary.AppendByteOrder).AppendUint32(out, uint32(v))
	}
	return s.ByteOrder.(binary.AppendByteOrder).AppendUint64(out, v)
}

func (s *Schema) readUint(size int, raw []byte) uint64 {
	switch size {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(s.ByteOrder.Uint16(raw))
	case 4:
		return uint64(s.ByteOrder.Uint32(raw))
	}
	return s.ByteOrder.Uint64(raw)
}

func (s *Schema) readScalar(t FieldType, raw []byte) any {
	size := scalarSize(t)
	u := s.readUint(size, raw)
	switch t {
	case FieldType_Float32:
		return float64(math.Float32frombits(uint32(u)))
	case FieldType_Float64:
		return math.Float64frombits(u)
	case FieldType_Int8:
		return int64(int8(u))
	case FieldType_Int16:
		return int64(int16(u))
	case FieldType_Int32:
		return int64(int32(u))
	case FieldType_Int64:
		return int64(u)
	}
	return u
}

func (f FieldDef) labelFor(v any) (string, bool) {
	n, ok := toInt64(v)
	if !ok {
		return "", false
	}
	for label, declared := range f.Values {
		if declared == n {
			return label, true
		}
	}
	return "", false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	i, ok := toInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	if u, ok := toUint64(v); ok {
		return float64(u), true
	}
	return 0, false
}
