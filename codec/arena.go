package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/wippyai/wasm-supervisor/errors"
)

// MaxPayloadSize bounds a single string or byte payload (1 GB).
const MaxPayloadSize = 1 << 30

// The arena is the wire form of a parameter list: each value in schema
// order at its natural alignment, little-endian. Strings and byte payloads
// are a 4-aligned u32 length followed by the bytes. The same bytes are
// copied verbatim into linear memory, so offsets inside the arena are the
// offsets the guest sees relative to the arena base.

func alignTo(offset, align uint32) uint32 {
	return (offset + align - 1) &^ (align - 1)
}

// Encode writes values into a new arena.
func Encode(schema Schema, values []Value) ([]byte, error) {
	return AppendEncode(nil, schema, values)
}

// AppendEncode appends the arena for values to dst.
func AppendEncode(dst []byte, schema Schema, values []Value) ([]byte, error) {
	if len(values) != len(schema) {
		return dst, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("parameter count mismatch: expected %d, got %d", len(schema), len(values)).
			Build()
	}

	base := len(dst)
	for i, p := range schema {
		v := values[i]
		if msg := v.check(p.kind); msg != "" {
			return dst, errors.InvalidData(errors.PhaseEncode, []string{p.Name}, msg)
		}

		off := alignTo(uint32(len(dst)-base), p.kind.align())
		dst = pad(dst, base+int(off))

		switch p.kind {
		case KindBool, KindU8, KindS8:
			dst = append(dst, byte(v.bits))
		case KindU16, KindS16:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(v.bits))
		case KindU64, KindS64, KindF64:
			dst = binary.LittleEndian.AppendUint64(dst, v.bits)
		case KindString, KindBytes:
			if len(v.data) > MaxPayloadSize {
				return dst, errors.New(errors.PhaseEncode, errors.KindResourceExhausted).
					Path(p.Name).
					Detail("payload of %d bytes exceeds %d", len(v.data), MaxPayloadSize).
					Build()
			}
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.data)))
			dst = append(dst, v.data...)
		default:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(v.bits))
		}
	}
	return dst, nil
}

func pad(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0)
	}
	return b
}

// Decode is the inverse of Encode. Reading past the end is out_of_bounds;
// bytes left over after the last parameter are invalid_data.
func Decode(schema Schema, raw []byte) ([]Value, error) {
	values := make([]Value, len(schema))
	var off uint32
	for i, p := range schema {
		off = alignTo(off, p.kind.align())
		v, next, err := decodeAt(p, raw, off)
		if err != nil {
			return nil, err
		}
		values[i] = v
		off = next
	}
	if uint64(off) != uint64(len(raw)) {
		return nil, errors.InvalidData(errors.PhaseDecode, nil,
			fmt.Sprintf("%d trailing bytes after %d parameters", len(raw)-int(off), len(schema)))
	}
	return values, nil
}

func decodeAt(p Param, raw []byte, off uint32) (Value, uint32, error) {
	path := []string{p.Name}
	size := p.kind.size()
	if uint64(off)+uint64(size) > uint64(len(raw)) {
		return Value{}, 0, errors.OutOfBounds(errors.PhaseDecode, path, uint64(off), uint64(size), uint64(len(raw)))
	}
	b := raw[off : off+size]

	var v Value
	switch p.kind {
	case KindBool, KindU8, KindS8:
		v = Value{kind: p.kind, bits: uint64(b[0])}
		if p.kind == KindS8 {
			v.bits = uint64(int64(int8(b[0])))
		}
	case KindU16, KindS16:
		u := binary.LittleEndian.Uint16(b)
		v = Value{kind: p.kind, bits: uint64(u)}
		if p.kind == KindS16 {
			v.bits = uint64(int64(int16(u)))
		}
	case KindU64, KindS64, KindF64:
		v = Value{kind: p.kind, bits: binary.LittleEndian.Uint64(b)}
	case KindString, KindBytes:
		n := binary.LittleEndian.Uint32(b)
		start := uint64(off) + 4
		if start+uint64(n) > uint64(len(raw)) {
			return Value{}, 0, errors.OutOfBounds(errors.PhaseDecode, path, start, uint64(n), uint64(len(raw)))
		}
		data := make([]byte, n)
		copy(data, raw[start:start+uint64(n)])
		if p.kind == KindString && !utf8.Valid(data) {
			return Value{}, 0, errors.InvalidUTF8(errors.PhaseDecode, path, data)
		}
		return Value{kind: p.kind, data: data}, uint32(start + uint64(n)), nil
	default:
		u := binary.LittleEndian.Uint32(b)
		v = Value{kind: p.kind, bits: uint64(u)}
		if p.kind == KindS32 {
			v.bits = uint64(int64(int32(u)))
		}
	}

	if msg := v.check(p.kind); msg != "" {
		return Value{}, 0, errors.InvalidData(errors.PhaseDecode, path, msg)
	}
	return v, off + size, nil
}

// Size returns the arena length for values without encoding them.
func Size(schema Schema, values []Value) uint32 {
	var off uint32
	for i, p := range schema {
		off = alignTo(off, p.kind.align()) + p.kind.size()
		if p.kind.Variable() && i < len(values) {
			off += uint32(len(values[i].data))
		}
	}
	return off
}
