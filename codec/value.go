package codec

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"
)

// Value is one schema-typed value. Scalars live in bits; strings and
// byte payloads in data.
type Value struct {
	kind Kind
	bits uint64
	data []byte
}

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func U8(v uint8) Value   { return Value{kind: KindU8, bits: uint64(v)} }
func U16(v uint16) Value { return Value{kind: KindU16, bits: uint64(v)} }
func U32(v uint32) Value { return Value{kind: KindU32, bits: uint64(v)} }
func U64(v uint64) Value { return Value{kind: KindU64, bits: v} }
func S8(v int8) Value    { return Value{kind: KindS8, bits: uint64(int64(v))} }
func S16(v int16) Value  { return Value{kind: KindS16, bits: uint64(int64(v))} }
func S32(v int32) Value  { return Value{kind: KindS32, bits: uint64(int64(v))} }
func S64(v int64) Value  { return Value{kind: KindS64, bits: uint64(v)} }

func F32(v float32) Value { return Value{kind: KindF32, bits: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{kind: KindF64, bits: math.Float64bits(v)} }

func Char(r rune) Value { return Value{kind: KindChar, bits: uint64(uint32(r))} }

func String(s string) Value { return Value{kind: KindString, data: []byte(s)} }

// Bytes wraps a binary payload. The slice is not copied.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, data: b}
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// Uint returns unsigned integers and booleans zero-extended.
func (v Value) Uint() uint64 { return v.bits }

// Int returns signed integers sign-extended.
func (v Value) Int() int64 {
	switch v.kind {
	case KindS8:
		return int64(int8(v.bits))
	case KindS16:
		return int64(int16(v.bits))
	case KindS32:
		return int64(int32(v.bits))
	}
	return int64(v.bits)
}

func (v Value) Float() float64 {
	if v.kind == KindF32 {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

func (v Value) Rune() rune       { return rune(uint32(v.bits)) }
func (v Value) AsBool() bool     { return v.bits != 0 }
func (v Value) AsString() string { return string(v.data) }
func (v Value) AsBytes() []byte  { return v.data }

// Interface returns the natural Go representation.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.AsBool()
	case KindU8:
		return uint8(v.bits)
	case KindU16:
		return uint16(v.bits)
	case KindU32:
		return uint32(v.bits)
	case KindU64:
		return v.bits
	case KindS8:
		return int8(v.bits)
	case KindS16:
		return int16(v.bits)
	case KindS32:
		return int32(v.bits)
	case KindS64:
		return int64(v.bits)
	case KindF32:
		return math.Float32frombits(uint32(v.bits))
	case KindF64:
		return math.Float64frombits(v.bits)
	case KindChar:
		return string(v.Rune())
	case KindString:
		return string(v.data)
	case KindBytes:
		return v.data
	}
	return nil
}

// Equal compares kind and exact bit pattern, so NaNs with equal bits are equal.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.bits == o.bits && bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	switch v.kind {
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.data))
	case KindString, KindChar:
		return fmt.Sprintf("%q", v.Interface())
	}
	return fmt.Sprint(v.Interface())
}

// check reports why v cannot stand for a parameter of kind k, or "".
func (v Value) check(k Kind) string {
	if v.kind != k {
		return fmt.Sprintf("expected %s, got %s", k, v.kind)
	}
	switch k {
	case KindBool:
		if v.bits > 1 {
			return fmt.Sprintf("invalid bool %d", v.bits)
		}
	case KindChar:
		if r := v.Rune(); !utf8.ValidRune(r) {
			return fmt.Sprintf("invalid char U+%X", uint32(r))
		}
	case KindString:
		if !utf8.Valid(v.data) {
			return "invalid UTF-8"
		}
	}
	return ""
}
