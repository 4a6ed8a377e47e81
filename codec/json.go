package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/wasm-supervisor/errors"
)

// MarshalJSON renders scalars as JSON numbers, booleans or strings, and
// byte payloads as base64 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindF32, KindF64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no NaN or Inf
			return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
		}
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.data))
	case KindInvalid:
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

// ParseArgs converts JSON arguments into values of the schema's types.
func ParseArgs(schema Schema, args []json.RawMessage) ([]Value, error) {
	if len(args) != len(schema) {
		return nil, errors.Validation(nil, "expected %d arguments, got %d", len(schema), len(args))
	}
	values := make([]Value, len(schema))
	for i, p := range schema {
		v, err := ParseJSON(p.kind, args[i])
		if err != nil {
			return nil, errors.Validation([]string{p.Name}, "%v", err)
		}
		values[i] = v
	}
	return values, nil
}

// ParseJSON converts one JSON value. Integers must be exact and in range.
func ParseJSON(k Kind, raw json.RawMessage) (Value, error) {
	switch k {
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindChar:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		return parseChar(s)
	case KindBytes:
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return Value{}, fmt.Errorf("expected %s number: %w", k, err)
	}
	return ParseText(k, n.String())
}

// ParseText parses the textual form of a scalar or string value, as typed on
// a command line.
func ParseText(k Kind, s string) (Value, error) {
	switch k {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindU8, KindU16, KindU32, KindU64:
		u, err := strconv.ParseUint(s, 10, int(8*k.size()))
		if err != nil {
			return Value{}, err
		}
		return Value{kind: k, bits: u}, nil
	case KindS8, KindS16, KindS32, KindS64:
		n, err := strconv.ParseInt(s, 10, int(8*k.size()))
		if err != nil {
			return Value{}, err
		}
		return Value{kind: k, bits: uint64(n)}, nil
	case KindF32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, err
		}
		return F32(float32(f)), nil
	case KindF64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return F64(f), nil
	case KindChar:
		return parseChar(s)
	case KindString:
		if !utf8.ValidString(s) {
			return Value{}, fmt.Errorf("invalid UTF-8")
		}
		return String(s), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	}
	return Value{}, fmt.Errorf("unsupported kind %s", k)
}

func parseChar(s string) (Value, error) {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || size != len(s) {
		return Value{}, fmt.Errorf("expected a single character, got %q", s)
	}
	return Char(r), nil
}
