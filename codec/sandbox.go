package codec

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	supervisor "github.com/wippyai/wasm-supervisor"
	"github.com/wippyai/wasm-supervisor/errors"
)

// Sandbox is the part of an instance the codec reads and writes.
type Sandbox interface {
	Memory() supervisor.Memory
	Allocator() supervisor.Allocator
	Reserve(size uint32) (uint32, error)
}

// Signature is a core function type.
type Signature interface {
	ParamTypes() []api.ValueType
	ResultTypes() []api.ValueType
}

// Flatten returns the core parameter types for a schema. Strings and byte
// payloads become a (pointer, length) pair.
func Flatten(schema Schema) []api.ValueType {
	out := make([]api.ValueType, 0, len(schema))
	for _, p := range schema {
		if p.kind.Variable() {
			out = append(out, api.ValueTypeI32, api.ValueTypeI32)
			continue
		}
		out = append(out, coreType(p.kind))
	}
	return out
}

// FlattenResults returns the core result types for a schema. A string or
// byte result is a single pointer to a length-prefixed block.
func FlattenResults(schema Schema) []api.ValueType {
	out := make([]api.ValueType, 0, len(schema))
	for _, p := range schema {
		out = append(out, coreType(p.kind))
	}
	return out
}

func coreType(k Kind) api.ValueType {
	switch k {
	case KindU64, KindS64:
		return api.ValueTypeI64
	case KindF32:
		return api.ValueTypeF32
	case KindF64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// CheckSignature verifies that an exported function can carry the schemas.
func CheckSignature(name string, sig Signature, in, out Schema) error {
	wantParams, wantResults := Flatten(in), FlattenResults(out)
	if sameTypes(sig.ParamTypes(), wantParams) && sameTypes(sig.ResultTypes(), wantResults) {
		return nil
	}
	return errors.Validation([]string{name},
		"export has type %s -> %s, schema %s -> %s needs %s -> %s",
		typeList(sig.ParamTypes()), typeList(sig.ResultTypes()),
		in, out,
		typeList(wantParams), typeList(wantResults))
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Allocation is an argument arena taken from the guest allocator. The zero
// value owns nothing; arenas in the host's reserved region are never freed.
type Allocation struct {
	Ptr   uint32
	Size  uint32
	alloc supervisor.Allocator
}

// arenaAlign is the alignment of every argument arena.
const arenaAlign = 8

// Free hands the arena back to the guest. Call it once the results have been
// lifted, and only on a sandbox that is still usable.
func (a Allocation) Free() {
	if a.alloc != nil {
		a.alloc.Free(a.Ptr, a.Size, arenaAlign)
	}
}

// Lower places values into the sandbox and returns the flat call parameters
// with the arena's allocation. The arena is written through the guest
// allocator when the module exports one, otherwise into a reserved region.
// A region that would not fit in linear memory fails before anything is
// written, and before the call.
func Lower(sb Sandbox, schema Schema, values []Value) ([]uint64, Allocation, error) {
	bufp := getArena()
	defer putArena(bufp)

	arena, err := AppendEncode((*bufp)[:0], schema, values)
	*bufp = arena
	if err != nil {
		return nil, Allocation{}, err
	}

	var placed Allocation
	if schema.Variable() {
		if placed, err = place(sb, arena); err != nil {
			return nil, Allocation{}, err
		}
	}

	base := placed.Ptr
	flat := make([]uint64, 0, len(schema)+2)
	var off uint32
	for i, p := range schema {
		off = alignTo(off, p.kind.align())
		v := values[i]
		if p.kind.Variable() {
			flat = append(flat, uint64(base+off+4), uint64(len(v.data)))
			off += 4 + uint32(len(v.data))
			continue
		}
		flat = append(flat, flatScalar(v))
		off += p.kind.size()
	}
	return flat, placed, nil
}

func place(sb Sandbox, arena []byte) (Allocation, error) {
	mem := sb.Memory()
	if mem == nil {
		return Allocation{}, errors.New(errors.PhaseEncode, errors.KindValidation).
			Detail("module exports no linear memory for payload parameters").
			Build()
	}

	a := Allocation{Size: uint32(len(arena))}
	var err error
	if alloc := sb.Allocator(); alloc != nil {
		a.Ptr, err = alloc.Alloc(a.Size, arenaAlign)
		if err == nil {
			a.alloc = alloc
		}
	} else {
		a.Ptr, err = sb.Reserve(a.Size)
	}
	if err != nil {
		return Allocation{}, err
	}

	if limit := uint64(mem.Size()); uint64(a.Ptr)+uint64(a.Size) > limit {
		a.Free()
		return Allocation{}, errors.OutOfBounds(errors.PhaseEncode, nil, uint64(a.Ptr), uint64(a.Size), limit)
	}
	if err := mem.Write(a.Ptr, arena); err != nil {
		a.Free()
		return Allocation{}, err
	}
	return a, nil
}

func flatScalar(v Value) uint64 {
	switch v.kind {
	case KindU64, KindS64, KindF64:
		return v.bits
	default:
		return uint64(uint32(v.bits))
	}
}

// Lift converts flat results back into values. Pointers returned for string
// or byte results are followed with bounds checks and the data is copied out
// of linear memory.
func Lift(sb Sandbox, schema Schema, results []uint64) ([]Value, error) {
	if len(results) != len(schema) {
		return nil, errors.InvalidData(errors.PhaseDecode, nil,
			fmt.Sprintf("function returned %d values, schema declares %d", len(results), len(schema)))
	}

	values := make([]Value, len(schema))
	for i, p := range schema {
		var (
			v   Value
			err error
		)
		if p.kind.Variable() {
			v, err = liftBlock(sb.Memory(), p, uint32(results[i]))
		} else {
			v, err = liftScalar(p, results[i])
		}
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func liftScalar(p Param, r uint64) (Value, error) {
	u := uint32(r)
	s := int32(u)
	outOfRange := func() (Value, error) {
		return Value{}, errors.InvalidData(errors.PhaseDecode, []string{p.Name},
			fmt.Sprintf("result %d out of range for %s", s, p.kind))
	}

	switch p.kind {
	case KindBool:
		return Bool(u != 0), nil
	case KindU8:
		if u > 0xff {
			return outOfRange()
		}
		return U8(uint8(u)), nil
	case KindU16:
		if u > 0xffff {
			return outOfRange()
		}
		return U16(uint16(u)), nil
	case KindU32:
		return U32(u), nil
	case KindS8:
		if s < -1<<7 || s >= 1<<7 {
			return outOfRange()
		}
		return S8(int8(s)), nil
	case KindS16:
		if s < -1<<15 || s >= 1<<15 {
			return outOfRange()
		}
		return S16(int16(s)), nil
	case KindS32:
		return S32(s), nil
	case KindU64:
		return U64(r), nil
	case KindS64:
		return S64(int64(r)), nil
	case KindF32:
		return Value{kind: KindF32, bits: uint64(u)}, nil
	case KindF64:
		return Value{kind: KindF64, bits: r}, nil
	case KindChar:
		if !utf8.ValidRune(rune(u)) {
			return Value{}, errors.InvalidData(errors.PhaseDecode, []string{p.Name},
				fmt.Sprintf("invalid char U+%X", u))
		}
		return Char(rune(u)), nil
	}
	return Value{}, errors.InvalidData(errors.PhaseDecode, []string{p.Name}, "unsupported kind "+p.kind.String())
}

func liftBlock(mem supervisor.Memory, p Param, ptr uint32) (Value, error) {
	path := []string{p.Name}
	if mem == nil {
		return Value{}, errors.New(errors.PhaseDecode, errors.KindValidation).
			Path(path...).
			Detail("module exports no linear memory for payload results").
			Build()
	}

	limit := uint64(mem.Size())
	if uint64(ptr)+4 > limit {
		return Value{}, errors.OutOfBounds(errors.PhaseDecode, path, uint64(ptr), 4, limit)
	}
	n, err := mem.ReadU32(ptr)
	if err != nil {
		return Value{}, err
	}
	start := uint64(ptr) + 4
	if start+uint64(n) > limit {
		return Value{}, errors.OutOfBounds(errors.PhaseDecode, path, start, uint64(n), limit)
	}

	view, err := mem.Read(uint32(start), n)
	if err != nil {
		return Value{}, err
	}
	data := make([]byte, n)
	copy(data, view)

	if p.kind == KindString {
		if !utf8.Valid(data) {
			return Value{}, errors.InvalidUTF8(errors.PhaseDecode, path, data)
		}
		return Value{kind: KindString, data: data}, nil
	}
	return Bytes(data), nil
}
