package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/internal/wasmtest"
)

func newTestEngine(t *testing.T, cfg *Config) *WazeroEngine {
	t.Helper()
	ctx := context.Background()
	e, err := NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("NewWazeroEngineWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func instantiate(t *testing.T, e *WazeroEngine, bin []byte) (*WazeroModule, *WazeroInstance) {
	t.Helper()
	ctx := context.Background()
	mod, err := e.Compile(ctx, bin)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return mod, inst
}

func TestCallDouble(t *testing.T) {
	e := newTestEngine(t, nil)
	mod, inst := instantiate(t, e, wasmtest.Double())

	if names := mod.ExportNames(); len(names) != 1 || names[0] != "double" {
		t.Errorf("ExportNames() = %v", names)
	}
	if !mod.HasMemory() {
		t.Error("HasMemory() = false")
	}
	def, ok := mod.Function("double")
	if !ok || len(def.ParamTypes()) != 1 || def.ParamTypes()[0] != api.ValueTypeI32 {
		t.Fatalf("Function(double) = %v, %v", def, ok)
	}

	res, err := inst.Call(context.Background(), "double", api.EncodeI32(21))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := api.DecodeI32(res[0]); got != 42 {
		t.Errorf("double(21) = %d, want 42", got)
	}
}

func TestCompileRejectsUnknownImport(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Compile(context.Background(), wasmtest.UnknownImport())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("kind = %s, want validation: %v", errors.KindOf(err), err)
	}
}

func TestCompileRejectsGarbage(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Compile(context.Background(), []byte("not wasm"))
	if errors.KindOf(err) != errors.KindInvalidData {
		t.Errorf("kind = %s, want invalid_data: %v", errors.KindOf(err), err)
	}
}

func TestCallMissingExport(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Double())

	_, err := inst.Call(context.Background(), "triple", 1)
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("kind = %s, want not_found", errors.KindOf(err))
	}
}

func TestCallTrap(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Trap())

	_, err := inst.Call(context.Background(), "fail", 1)
	if err == nil {
		t.Fatal("expected trap")
	}
	if errors.KindOf(err) != errors.KindTrap {
		t.Errorf("kind = %s, want trap", errors.KindOf(err))
	}
}

func TestCallExecutionCeiling(t *testing.T) {
	e := newTestEngine(t, &Config{ExecutionTimeout: 50 * time.Millisecond})
	_, inst := instantiate(t, e, wasmtest.Spinner())

	start := time.Now()
	_, err := inst.Call(context.Background(), "spin", 0)
	if errors.KindOf(err) != errors.KindTrap {
		t.Fatalf("kind = %s, want trap: %v", errors.KindOf(err), err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("spin ran for %s", time.Since(start))
	}
	if !inst.Closed() {
		t.Error("instance should be closed after hitting the ceiling")
	}
}

func TestCallParentDeadline(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Spinner())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := inst.Call(ctx, "spin", 0)
	if errors.KindOf(err) != errors.KindTrap {
		t.Fatalf("kind = %s, want trap", errors.KindOf(err))
	}
	if ctx.Err() == nil {
		t.Error("parent context should be done")
	}
}

func TestCallProcExitZero(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.ProcExit())

	res, err := inst.Call(context.Background(), "quit")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != nil {
		t.Errorf("results = %v, want nil", res)
	}
}

func TestMemoryBounds(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Double())
	mem := inst.Memory()

	if err := mem.WriteU32(100, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	v, err := mem.ReadU32(100)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadU32 = %x, %v", v, err)
	}

	size := mem.Size()
	if _, err := mem.Read(size-2, 4); errors.KindOf(err) != errors.KindOutOfBounds {
		t.Errorf("Read past end: kind = %s", errors.KindOf(err))
	}
	if err := mem.Write(size, []byte{1}); errors.KindOf(err) != errors.KindOutOfBounds {
		t.Errorf("Write past end: kind = %s", errors.KindOf(err))
	}
	if _, err := mem.ReadU64(size - 4); errors.KindOf(err) != errors.KindOutOfBounds {
		t.Errorf("ReadU64 past end: kind = %s", errors.KindOf(err))
	}
}

func TestNoMemory(t *testing.T) {
	e := newTestEngine(t, nil)
	mod, inst := instantiate(t, e, wasmtest.NoMemory())

	if mod.HasMemory() {
		t.Error("HasMemory() = true")
	}
	if inst.Memory() != nil {
		t.Error("Memory() should be nil")
	}
	if _, err := inst.Reserve(16); errors.KindOf(err) != errors.KindValidation {
		t.Errorf("Reserve kind = %s, want validation", errors.KindOf(err))
	}
}

func TestAllocatorProbe(t *testing.T) {
	e := newTestEngine(t, nil)

	_, withAlloc := instantiate(t, e, wasmtest.Echo(true))
	alloc := withAlloc.Allocator()
	if alloc == nil {
		t.Fatal("Allocator() = nil")
	}
	ptr, err := alloc.Alloc(64, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ptr != wasmtest.AllocBase {
		t.Errorf("Alloc = %d, want %d", ptr, wasmtest.AllocBase)
	}
	alloc.Free(ptr, 64, 4)

	_, without := instantiate(t, e, wasmtest.Echo(false))
	if without.Allocator() != nil {
		t.Error("Allocator() should be nil without alloc export")
	}
}

func TestReserve(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Echo(false))

	before := inst.Memory().Size()
	off, err := inst.Reserve(100)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if off != before {
		t.Errorf("offset = %d, want %d", off, before)
	}
	if inst.Memory().Size() != before+pageSize {
		t.Errorf("size = %d, want %d", inst.Memory().Size(), before+pageSize)
	}

	again, err := inst.Reserve(50)
	if err != nil || again != off {
		t.Errorf("Reserve reuse = %d, %v", again, err)
	}
	if inst.Memory().Size() != before+pageSize {
		t.Error("reuse should not grow memory")
	}
}

func TestReserveMemoryCeiling(t *testing.T) {
	e := newTestEngine(t, &Config{MemoryLimitPages: 1})
	_, inst := instantiate(t, e, wasmtest.Echo(false))

	_, err := inst.Reserve(16)
	if errors.KindOf(err) != errors.KindTrap {
		t.Errorf("kind = %s, want trap", errors.KindOf(err))
	}
}

func TestCameraHostModule(t *testing.T) {
	frame := []byte("\xff\xd8 not really a jpeg \xff\xd9")
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, &Config{Camera: FileCamera{Path: path}})
	_, inst := instantiate(t, e, wasmtest.Camera())

	res, err := inst.Call(context.Background(), "capture")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	ptr := api.DecodeU32(res[0])

	mem := inst.Memory()
	n, err := mem.ReadU32(ptr)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	got, err := mem.Read(ptr+4, n)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("frame = %q, want %q", got, frame)
	}
}

func TestCameraWithoutSource(t *testing.T) {
	e := newTestEngine(t, nil)
	_, inst := instantiate(t, e, wasmtest.Camera())

	_, err := inst.Call(context.Background(), "capture")
	if errors.KindOf(err) != errors.KindTrap {
		t.Errorf("kind = %s, want trap", errors.KindOf(err))
	}
}

func TestParallelInstances(t *testing.T) {
	e := newTestEngine(t, nil)
	_, a := instantiate(t, e, wasmtest.Double())
	_, b := instantiate(t, e, wasmtest.Double())

	if err := a.Memory().WriteU32(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Memory().WriteU32(0, 2); err != nil {
		t.Fatal(err)
	}
	va, _ := a.Memory().ReadU32(0)
	vb, _ := b.Memory().ReadU32(0)
	if va != 1 || vb != 2 {
		t.Errorf("instances share memory: a=%d b=%d", va, vb)
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	w := newLogWriter("test", "stdout")
	n, err := w.Write([]byte("one\ntw"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := w.buf.String(); got != "tw" {
		t.Errorf("buffered = %q, want %q", got, "tw")
	}
	_, _ = w.Write([]byte("o\n"))
	if w.buf.Len() != 0 {
		t.Errorf("buffered = %q, want empty", w.buf.String())
	}
}
