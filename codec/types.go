package codec

import (
	"strconv"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-supervisor/errors"
)

// Kind tags a Value and a schema parameter.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindU8
	KindU16
	KindU32
	KindU64
	KindS8
	KindS16
	KindS32
	KindS64
	KindF32
	KindF64
	KindChar
	KindString
	KindBytes
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindU8:      "u8",
	KindU16:     "u16",
	KindU32:     "u32",
	KindU64:     "u64",
	KindS8:      "s8",
	KindS16:     "s16",
	KindS32:     "s32",
	KindS64:     "s64",
	KindF32:     "f32",
	KindF64:     "f64",
	KindChar:    "char",
	KindString:  "string",
	KindBytes:   "list<u8>",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// size is the in-arena width of a scalar. Variable-size kinds report their
// u32 length prefix.
func (k Kind) size() uint32 {
	switch k {
	case KindBool, KindU8, KindS8:
		return 1
	case KindU16, KindS16:
		return 2
	case KindU64, KindS64, KindF64:
		return 8
	default:
		return 4
	}
}

func (k Kind) align() uint32 { return k.size() }

// Variable reports whether values of this kind are passed as length-prefixed blocks.
func (k Kind) Variable() bool { return k == KindString || k == KindBytes }

// aliases accepted in manifests, including the OpenAPI names orchestrators emit.
var typeAliases = map[string]Kind{
	"bool":     KindBool,
	"boolean":  KindBool,
	"u8":       KindU8,
	"u16":      KindU16,
	"u32":      KindU32,
	"u64":      KindU64,
	"s8":       KindS8,
	"s16":      KindS16,
	"s32":      KindS32,
	"s64":      KindS64,
	"i32":      KindS32,
	"i64":      KindS64,
	"int32":    KindS32,
	"int64":    KindS64,
	"integer":  KindS32,
	"f32":      KindF32,
	"f64":      KindF64,
	"float":    KindF32,
	"double":   KindF64,
	"char":     KindChar,
	"string":   KindString,
	"list<u8>": KindBytes,
	"blob":     KindBytes,
	"bytes":    KindBytes,
	"binary":   KindBytes,
}

// ParseType parses a schema type name into its WIT type.
func ParseType(name string) (wit.Type, error) {
	k, ok := typeAliases[strings.ToLower(strings.ReplaceAll(name, " ", ""))]
	if !ok {
		return nil, errors.Validation(nil, "unsupported type %q", name)
	}
	return witType(k), nil
}

// TypeName renders a WIT type the way ParseType reads it.
func TypeName(t wit.Type) string {
	return KindOf(t).String()
}

// KindOf maps a WIT type to its Kind, or KindInvalid for types the codec
// does not carry.
func KindOf(t wit.Type) Kind {
	switch t := t.(type) {
	case wit.Bool:
		return KindBool
	case wit.U8:
		return KindU8
	case wit.U16:
		return KindU16
	case wit.U32:
		return KindU32
	case wit.U64:
		return KindU64
	case wit.S8:
		return KindS8
	case wit.S16:
		return KindS16
	case wit.S32:
		return KindS32
	case wit.S64:
		return KindS64
	case wit.F32:
		return KindF32
	case wit.F64:
		return KindF64
	case wit.Char:
		return KindChar
	case wit.String:
		return KindString
	case *wit.TypeDef:
		if l, ok := t.Kind.(*wit.List); ok {
			if _, ok := l.Type.(wit.U8); ok {
				return KindBytes
			}
		}
	}
	return KindInvalid
}

func witType(k Kind) wit.Type {
	switch k {
	case KindBool:
		return wit.Bool{}
	case KindU8:
		return wit.U8{}
	case KindU16:
		return wit.U16{}
	case KindU32:
		return wit.U32{}
	case KindU64:
		return wit.U64{}
	case KindS8:
		return wit.S8{}
	case KindS16:
		return wit.S16{}
	case KindS32:
		return wit.S32{}
	case KindS64:
		return wit.S64{}
	case KindF32:
		return wit.F32{}
	case KindF64:
		return wit.F64{}
	case KindChar:
		return wit.Char{}
	case KindString:
		return wit.String{}
	case KindBytes:
		return &wit.TypeDef{Kind: &wit.List{Type: wit.U8{}}}
	}
	return nil
}

// Spec is a parameter as declared in a manifest.
type Spec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Param is one typed parameter of a schema.
type Param struct {
	Name string
	Type wit.Type
	kind Kind
}

// Kind returns the parameter's value kind.
func (p Param) Kind() Kind { return p.kind }

// NewParam builds a parameter from a WIT type.
func NewParam(name string, t wit.Type) (Param, error) {
	k := KindOf(t)
	if k == KindInvalid {
		return Param{}, errors.Validation([]string{name}, "unsupported type %T", t)
	}
	return Param{Name: name, Type: t, kind: k}, nil
}

// Schema is an ordered parameter list.
type Schema []Param

// ParseSchema validates declared parameters. Names default to argN and must be unique.
func ParseSchema(specs []Spec) (Schema, error) {
	schema := make(Schema, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = "arg" + strconv.Itoa(i)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Validation([]string{name}, "duplicate parameter name")
		}
		seen[name] = struct{}{}

		t, err := ParseType(s.Type)
		if err != nil {
			return nil, errors.Validation([]string{name}, "unsupported type %q", s.Type)
		}
		schema = append(schema, Param{Name: name, Type: t, kind: KindOf(t)})
	}
	return schema, nil
}

// MustSchema is ParseSchema for literals in code and tests.
func MustSchema(types ...string) Schema {
	specs := make([]Spec, len(types))
	for i, t := range types {
		specs[i] = Spec{Type: t}
	}
	s, err := ParseSchema(specs)
	if err != nil {
		panic(err)
	}
	return s
}

// Specs renders the schema back to its declared form.
func (s Schema) Specs() []Spec {
	out := make([]Spec, len(s))
	for i, p := range s {
		out[i] = Spec{Name: p.Name, Type: p.kind.String()}
	}
	return out
}

// Equal reports whether two schemas carry the same kinds in the same order.
// Names are not compared.
// Variable reports whether any parameter is passed through linear memory.
func (s Schema) Variable() bool {
	for _, p := range s {
		if p.kind.Variable() {
			return true
		}
	}
	return false
}

func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].kind != o[i].kind {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		b.WriteString(": ")
		b.WriteString(p.kind.String())
	}
	b.WriteByte(')')
	return b.String()
}
