// Package model holds the wire-agnostic data types shared by every
// component of the client: points, values, rows, and routes.
package model

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies which variant of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindTimestamp
	KindVarbinary
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindVarbinary:
		return "varbinary"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the wire value types a Point or Row column
// can hold. Exactly one field is meaningful, selected by Kind.
type Value struct {
	kind  Kind
	i     int64
	u     uint64
	f     float64
	b     bool
	s     string
	bytes []byte
}

func NullValue() Value                { return Value{kind: KindNull} }
func BoolValue(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int8Value(v int8) Value          { return Value{kind: KindInt8, i: int64(v)} }
func Int16Value(v int16) Value        { return Value{kind: KindInt16, i: int64(v)} }
func Int32Value(v int32) Value        { return Value{kind: KindInt32, i: int64(v)} }
func Int64Value(v int64) Value        { return Value{kind: KindInt64, i: v} }
func Uint8Value(v uint8) Value        { return Value{kind: KindUint8, u: uint64(v)} }
func Uint16Value(v uint16) Value      { return Value{kind: KindUint16, u: uint64(v)} }
func Uint32Value(v uint32) Value      { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64Value(v uint64) Value      { return Value{kind: KindUint64, u: v} }
func Float32Value(v float32) Value    { return Value{kind: KindFloat32, f: float64(v)} }
func Float64Value(v float64) Value    { return Value{kind: KindFloat64, f: v} }
func StringValue(v string) Value      { return Value{kind: KindString, s: v} }
func TimestampValue(ms int64) Value   { return Value{kind: KindTimestamp, i: ms} }
func VarbinaryValue(v []byte) Value   { return Value{kind: KindVarbinary, bytes: v} }

// Kind reports which variant is populated.
func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Int64 returns the value as an int64 for any signed-integer or timestamp
// kind. It does not implicitly widen unsigned kinds to avoid silently
// masking overflow.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt8, KindInt16, KindInt32, KindInt64, KindTimestamp:
		return v.i, true
	default:
		return 0, false
	}
}

func (v Value) Uint64() (uint64, bool) {
	switch v.kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u, true
	default:
		return 0, false
	}
}

func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindFloat32, KindFloat64:
		return v.f, true
	default:
		return 0, false
	}
}

func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) Timestamp() (int64, bool) {
	if v.kind != KindTimestamp {
		return 0, false
	}
	return v.i, true
}

func (v Value) Varbinary() ([]byte, bool) {
	if v.kind != KindVarbinary {
		return nil, false
	}
	return v.bytes, true
}

// Equal reports structural equality, matching the invariant that Value is
// immutable and comparable by variant + payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt8, KindInt16, KindInt32, KindInt64, KindTimestamp:
		return v.i == other.i
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u == other.u
	case KindFloat32, KindFloat64:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindVarbinary:
		return bytes.Equal(v.bytes, other.bytes)
	default:
		return false
	}
}

// EncodeMsgpack implements msgpack.CustomEncoder so Value can travel inside
// a Point's Tags/Fields maps on the wire (spec.md 6: points are encoded via
// msgpack). The kind byte precedes the payload so the decoder knows which
// field to populate without a schema.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt8, KindInt16, KindInt32, KindInt64, KindTimestamp:
		return enc.EncodeInt64(v.i)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return enc.EncodeUint64(v.u)
	case KindFloat32, KindFloat64:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindVarbinary:
		return enc.EncodeBytes(v.bytes)
	default:
		return fmt.Errorf("model: encode value: unknown kind %d", v.kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder, the inverse of
// EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	kindByte, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	kind := Kind(kindByte)
	v.kind = kind
	switch kind {
	case KindNull:
		return nil
	case KindBool:
		v.b, err = dec.DecodeBool()
	case KindInt8, KindInt16, KindInt32, KindInt64, KindTimestamp:
		v.i, err = dec.DecodeInt64()
	case KindUint8, KindUint16, KindUint32, KindUint64:
		v.u, err = dec.DecodeUint64()
	case KindFloat32, KindFloat64:
		v.f, err = dec.DecodeFloat64()
	case KindString:
		v.s, err = dec.DecodeString()
	case KindVarbinary:
		v.bytes, err = dec.DecodeBytes()
	default:
		return fmt.Errorf("model: decode value: unknown kind %d", kind)
	}
	return err
}

// GoString renders the value for debugging/logging.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("bool(%v)", v.b)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return fmt.Sprintf("%s(%d)", v.kind, v.i)
	case KindTimestamp:
		return fmt.Sprintf("timestamp(%d)", v.i)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return fmt.Sprintf("%s(%d)", v.kind, v.u)
	case KindFloat32, KindFloat64:
		return fmt.Sprintf("%s(%v)", v.kind, v.f)
	case KindString:
		return fmt.Sprintf("string(%q)", v.s)
	case KindVarbinary:
		return fmt.Sprintf("varbinary(%d bytes)", len(v.bytes))
	default:
		return "invalid"
	}
}
