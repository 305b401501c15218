package entry

import (
	"bytes"
	"fmt"
	"math"
)

// Type tags a stored value. The numeric values are part of the on-disk
// format and must not be reordered.
type Type uint8

const (
	TypeUint8 Type = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeUint64
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeU8String
	TypeBlob

	// TypeRemoved is the tombstone tag, encoded as the maximum value of the
	// tag field.
	TypeRemoved Type = 0xFF
)

func (me Type) IsBlobLike() bool {
	return me == TypeString || me == TypeU8String || me == TypeBlob
}

func (me Type) IsValid() bool {
	return me <= TypeBlob || me == TypeRemoved
}

func (me Type) String() string {
	switch me {
	case TypeUint8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeUint16:
		return "uint16"
	case TypeInt16:
		return "int16"
	case TypeUint32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeUint64:
		return "uint64"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeU8String:
		return "u8string"
	case TypeBlob:
		return "blob"
	case TypeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(me))
	}
}

// Status is the outcome of a point lookup.
type Status int

const (
	StatusNotFound Status = iota
	StatusExists
	StatusRemoved
)

// Value is a tagged one-of over the supported scalar and blob types.
// Scalars live in bits (width-truncated); blob-like payloads live in blob.
type Value struct {
	typ  Type
	bits uint64
	blob []byte
}

func Uint8(v uint8) Value {
	return Value{typ: TypeUint8, bits: uint64(v)}
}

func Int8(v int8) Value {
	return Value{typ: TypeInt8, bits: uint64(uint8(v))}
}

func Uint16(v uint16) Value {
	return Value{typ: TypeUint16, bits: uint64(v)}
}

func Int16(v int16) Value {
	return Value{typ: TypeInt16, bits: uint64(uint16(v))}
}

func Uint32(v uint32) Value {
	return Value{typ: TypeUint32, bits: uint64(v)}
}

func Int32(v int32) Value {
	return Value{typ: TypeInt32, bits: uint64(uint32(v))}
}

func Uint64(v uint64) Value {
	return Value{typ: TypeUint64, bits: v}
}

func Int64(v int64) Value {
	return Value{typ: TypeInt64, bits: uint64(v)}
}

func Float32(v float32) Value {
	return Value{typ: TypeFloat32, bits: uint64(math.Float32bits(v))}
}

func Float64(v float64) Value {
	return Value{typ: TypeFloat64, bits: math.Float64bits(v)}
}

func String(v string) Value {
	return Value{typ: TypeString, blob: []byte(v)}
}

func U8String(v string) Value {
	return Value{typ: TypeU8String, blob: []byte(v)}
}

func Blob(v []byte) Value {
	return Value{typ: TypeBlob, blob: v}
}

func Removed() Value {
	return Value{typ: TypeRemoved}
}

func (me Value) Type() Type {
	return me.typ
}

func (me Value) IsRemoved() bool {
	return me.typ == TypeRemoved
}

func (me Value) AsUint8() (uint8, bool) {
	return uint8(me.bits), me.typ == TypeUint8
}

func (me Value) AsInt8() (int8, bool) {
	return int8(uint8(me.bits)), me.typ == TypeInt8
}

func (me Value) AsUint16() (uint16, bool) {
	return uint16(me.bits), me.typ == TypeUint16
}

func (me Value) AsInt16() (int16, bool) {
	return int16(uint16(me.bits)), me.typ == TypeInt16
}

func (me Value) AsUint32() (uint32, bool) {
	return uint32(me.bits), me.typ == TypeUint32
}

func (me Value) AsInt32() (int32, bool) {
	return int32(uint32(me.bits)), me.typ == TypeInt32
}

func (me Value) AsUint64() (uint64, bool) {
	return me.bits, me.typ == TypeUint64
}

func (me Value) AsInt64() (int64, bool) {
	return int64(me.bits), me.typ == TypeInt64
}

func (me Value) AsFloat32() (float32, bool) {
	return math.Float32frombits(uint32(me.bits)), me.typ == TypeFloat32
}

func (me Value) AsFloat64() (float64, bool) {
	return math.Float64frombits(me.bits), me.typ == TypeFloat64
}

func (me Value) AsString() (string, bool) {
	return string(me.blob), me.typ == TypeString
}

func (me Value) AsU8String() (string, bool) {
	return string(me.blob), me.typ == TypeU8String
}

func (me Value) AsBlob() ([]byte, bool) {
	return me.blob, me.typ == TypeBlob
}

func (me Value) Equal(other Value) bool {
	return me.typ == other.typ && me.bits == other.bits && bytes.Equal(me.blob, other.blob)
}

func (me Value) String() string {
	if me.typ.IsBlobLike() {
		return fmt.Sprintf("%s(%q)", me.typ, me.blob)
	}
	if me.typ == TypeRemoved {
		return "removed"
	}
	switch me.typ {
	case TypeFloat32:
		v, _ := me.AsFloat32()
		return fmt.Sprintf("float32(%g)", v)
	case TypeFloat64:
		v, _ := me.AsFloat64()
		return fmt.Sprintf("float64(%g)", v)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return fmt.Sprintf("%s(%d)", me.typ, int64(me.bits))
	default:
		return fmt.Sprintf("%s(%d)", me.typ, me.bits)
	}
}

// Stored is a value plus its expiration field as persisted on disk.
type Stored struct {
	Value        Value
	ExpirationMS uint64
}

func (me Stored) IsTombstone() bool {
	return me.Value.IsRemoved()
}

// Tombstone is the stored form of a logical deletion.
func Tombstone() Stored {
	return Stored{Value: Removed(), ExpirationMS: ExpirationTombstone}
}
