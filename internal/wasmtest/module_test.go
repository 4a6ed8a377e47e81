package wasmtest

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestFixturesCompile(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	fixtures := map[string][]byte{
		"double":         Double(),
		"add_one":        AddOne(),
		"numeric":        Numeric(),
		"trap":           Trap(),
		"spinner":        Spinner(),
		"echo":           Echo(false),
		"echo_alloc":     Echo(true),
		"bad_pointer":    BadPointer(),
		"bad_allocator":  BadAllocator(),
		"camera":         Camera(),
		"proc_exit":      ProcExit(),
		"unknown_import": UnknownImport(),
		"no_memory":      NoMemory(),
	}
	for name, bin := range fixtures {
		t.Run(name, func(t *testing.T) {
			compiled, err := r.CompileModule(ctx, bin)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			defer compiled.Close(ctx)
		})
	}
}

func TestDoubleRuns(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, Double())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("double").Call(ctx, api.EncodeI32(21))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := api.DecodeI32(res[0]); got != 42 {
		t.Errorf("double(21) = %d, want 42", got)
	}
}

func TestNumericRuns(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, Numeric())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("inc64").Call(ctx, api.EncodeI64(-1))
	if err != nil {
		t.Fatalf("inc64: %v", err)
	}
	if got := int64(res[0]); got != 0 {
		t.Errorf("inc64(-1) = %d, want 0", got)
	}

	res, err = mod.ExportedFunction("scale").Call(ctx, api.EncodeF64(1.25))
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got := api.DecodeF64(res[0]); got != 2.5 {
		t.Errorf("scale(1.25) = %v, want 2.5", got)
	}
}

func TestSignedLEB(t *testing.T) {
	tests := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-16, []byte{0x70}},
		{-65, []byte{0xbf, 0x7f}},
	}
	for _, tt := range tests {
		w := newWriter()
		w.s64(tt.v)
		got := w.bytes()
		if string(got) != string(tt.want) {
			t.Errorf("s64(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
}
