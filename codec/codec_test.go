package codec

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wippyai/wasm-supervisor/errors"
)

var allKinds = []Kind{
	KindBool, KindU8, KindU16, KindU32, KindU64,
	KindS8, KindS16, KindS32, KindS64,
	KindF32, KindF64, KindChar, KindString, KindBytes,
}

func drawValue(rt *rapid.T, k Kind, label string) Value {
	switch k {
	case KindBool:
		return Bool(rapid.Bool().Draw(rt, label))
	case KindU8:
		return U8(rapid.Uint8().Draw(rt, label))
	case KindU16:
		return U16(rapid.Uint16().Draw(rt, label))
	case KindU32:
		return U32(rapid.Uint32().Draw(rt, label))
	case KindU64:
		return U64(rapid.Uint64().Draw(rt, label))
	case KindS8:
		return S8(rapid.Int8().Draw(rt, label))
	case KindS16:
		return S16(rapid.Int16().Draw(rt, label))
	case KindS32:
		return S32(rapid.Int32().Draw(rt, label))
	case KindS64:
		return S64(rapid.Int64().Draw(rt, label))
	case KindF32:
		return F32(rapid.Float32().Draw(rt, label))
	case KindF64:
		return F64(rapid.Float64().Draw(rt, label))
	case KindChar:
		r := rapid.Int32Range(0, utf8.MaxRune).Filter(utf8.ValidRune).Draw(rt, label)
		return Char(r)
	case KindString:
		return String(rapid.String().Draw(rt, label))
	default:
		return Bytes(rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, label))
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kinds := rapid.SliceOfN(rapid.SampledFrom(allKinds), 0, 12).Draw(rt, "kinds")

		schema := make(Schema, len(kinds))
		values := make([]Value, len(kinds))
		for i, k := range kinds {
			p, err := NewParam("p", witType(k))
			require.NoError(rt, err)
			schema[i] = p
			values[i] = drawValue(rt, k, "value")
		}

		arena, err := Encode(schema, values)
		require.NoError(rt, err)
		assert.Equal(rt, int(Size(schema, values)), len(arena))

		got, err := Decode(schema, arena)
		require.NoError(rt, err)
		require.Len(rt, got, len(values))
		for i := range values {
			assert.True(rt, values[i].Equal(got[i]), "param %d: %v != %v", i, values[i], got[i])
		}
	})
}

func TestEncodeLayout(t *testing.T) {
	schema := MustSchema("u8", "u32", "blob", "u16", "f64")
	values := []Value{U8(7), U32(0x01020304), Bytes([]byte{0xaa, 0xbb, 0xcc}), U16(0xbeef), F64(1.5)}

	arena, err := Encode(schema, values)
	require.NoError(t, err)

	// u8 at 0, u32 at 4, blob len at 8 and data at 12..15, u16 at 16, f64 at 24
	require.Len(t, arena, 32)
	assert.Equal(t, byte(7), arena[0])
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(arena[4:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(arena[8:]))
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, arena[12:15])
	assert.Equal(t, uint16(0xbeef), binary.LittleEndian.Uint16(arena[16:]))
	assert.Equal(t, math.Float64bits(1.5), binary.LittleEndian.Uint64(arena[24:]))
}

func TestEncodeRejectsMismatch(t *testing.T) {
	schema := MustSchema("u32")

	_, err := Encode(schema, []Value{String("x")})
	assert.Equal(t, errors.KindInvalidData, errors.KindOf(err))

	_, err = Encode(schema, nil)
	assert.Equal(t, errors.KindInvalidData, errors.KindOf(err))

	_, err = Encode(MustSchema("string"), []Value{{kind: KindString, data: []byte{0xff}}})
	assert.Equal(t, errors.KindInvalidData, errors.KindOf(err))

	_, err = Encode(MustSchema("char"), []Value{Char(0xD800)})
	assert.Equal(t, errors.KindInvalidData, errors.KindOf(err))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		raw    []byte
		kind   errors.Kind
	}{
		{"short scalar", MustSchema("u32"), []byte{1, 2}, errors.KindOutOfBounds},
		{"empty", MustSchema("u8"), nil, errors.KindOutOfBounds},
		{"length past end", MustSchema("blob"), []byte{10, 0, 0, 0, 1, 2}, errors.KindOutOfBounds},
		{"huge length", MustSchema("string"), []byte{0xff, 0xff, 0xff, 0xff}, errors.KindOutOfBounds},
		{"trailing bytes", MustSchema("u8"), []byte{1, 2}, errors.KindInvalidData},
		{"bad bool", MustSchema("bool"), []byte{2}, errors.KindInvalidData},
		{"bad utf8", MustSchema("string"), []byte{1, 0, 0, 0, 0xff}, errors.KindInvalidData},
		{"surrogate char", MustSchema("char"), []byte{0x00, 0xd8, 0, 0}, errors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.schema, tt.raw)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Kind{
		"u32":        KindU32,
		"S64":        KindS64,
		"integer":    KindS32,
		"double":     KindF64,
		"blob":       KindBytes,
		"list<u8>":   KindBytes,
		"list< u8 >": KindBytes,
		"boolean":    KindBool,
	} {
		typ, err := ParseType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, KindOf(typ), name)
	}

	_, err := ParseType("list<u32>")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Equal(t, "list<u8>", TypeName(witType(KindBytes)))
}

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema([]Spec{{Name: "img", Type: "binary"}, {Type: "u8"}})
	require.NoError(t, err)
	assert.Equal(t, "img", s[0].Name)
	assert.Equal(t, "arg1", s[1].Name)
	assert.Equal(t, "(img: list<u8>, arg1: u8)", s.String())
	assert.Equal(t, []Spec{{Name: "img", Type: "list<u8>"}, {Name: "arg1", Type: "u8"}}, s.Specs())

	_, err = ParseSchema([]Spec{{Name: "a", Type: "u8"}, {Name: "a", Type: "u8"}})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = ParseSchema([]Spec{{Name: "a", Type: "record"}})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	assert.True(t, MustSchema("u8", "blob").Equal(MustSchema("u8", "bytes")))
	assert.False(t, MustSchema("u8").Equal(MustSchema("s8")))
}

func TestParseArgs(t *testing.T) {
	schema := MustSchema("u8", "s32", "f64", "string", "blob", "char", "bool", "u64")
	args := []json.RawMessage{
		json.RawMessage(`200`),
		json.RawMessage(`-5`),
		json.RawMessage(`2.5`),
		json.RawMessage(`"hi"`),
		json.RawMessage(`"AQID"`),
		json.RawMessage(`"é"`),
		json.RawMessage(`true`),
		json.RawMessage(`18446744073709551615`),
	}
	values, err := ParseArgs(schema, args)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), values[0].Uint())
	assert.Equal(t, int64(-5), values[1].Int())
	assert.Equal(t, 2.5, values[2].Float())
	assert.Equal(t, "hi", values[3].AsString())
	assert.Equal(t, []byte{1, 2, 3}, values[4].AsBytes())
	assert.Equal(t, 'é', values[5].Rune())
	assert.True(t, values[6].AsBool())
	assert.Equal(t, uint64(math.MaxUint64), values[7].Uint())

	for _, bad := range []json.RawMessage{json.RawMessage(`256`), json.RawMessage(`1.5`), json.RawMessage(`"x"`)} {
		_, err := ParseArgs(MustSchema("u8"), []json.RawMessage{bad})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err), string(bad))
	}

	_, err = ParseArgs(schema, args[:1])
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestValueJSON(t *testing.T) {
	out, err := json.Marshal([]Value{U32(42), String("a"), Bytes([]byte{1, 2, 3}), Bool(true), F64(math.NaN())})
	require.NoError(t, err)
	assert.Equal(t, `[42,"a","AQID",true,"NaN"]`, string(out))
}

func TestParseText(t *testing.T) {
	v, err := ParseText(KindS8, "-128")
	require.NoError(t, err)
	assert.Equal(t, int64(-128), v.Int())

	_, err = ParseText(KindS8, "128")
	assert.Error(t, err)

	v, err = ParseText(KindF32, "0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v.Float())

	_, err = ParseText(KindChar, "ab")
	assert.Error(t, err)
}
