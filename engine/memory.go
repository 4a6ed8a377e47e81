package engine

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	supervisor "github.com/wippyai/wasm-supervisor"
	"github.com/wippyai/wasm-supervisor/errors"
)

// WazeroMemory wraps wazero memory to implement supervisor.Memory
type WazeroMemory struct {
	mem api.Memory
}

func (m *WazeroMemory) oob(offset, length uint32) error {
	return errors.OutOfBounds(errors.PhaseRuntime, nil, uint64(offset), uint64(length), uint64(m.mem.Size()))
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, m.oob(offset, length)
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return m.oob(offset, uint32(len(data)))
	}
	return nil
}

func (m *WazeroMemory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, m.oob(offset, 1)
	}
	return v, nil
}

func (m *WazeroMemory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, m.oob(offset, 2)
	}
	return v, nil
}

func (m *WazeroMemory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, m.oob(offset, 4)
	}
	return v, nil
}

func (m *WazeroMemory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, m.oob(offset, 8)
	}
	return v, nil
}

func (m *WazeroMemory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return m.oob(offset, 1)
	}
	return nil
}

func (m *WazeroMemory) WriteU16(offset uint32, value uint16) error {
	if !m.mem.WriteUint16Le(offset, value) {
		return m.oob(offset, 2)
	}
	return nil
}

func (m *WazeroMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return m.oob(offset, 4)
	}
	return nil
}

func (m *WazeroMemory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return m.oob(offset, 8)
	}
	return nil
}

// Size returns the current memory size in bytes.
func (m *WazeroMemory) Size() uint32 {
	return m.mem.Size()
}

// Compile-time check that WazeroMemory implements supervisor.Memory
var _ supervisor.Memory = (*WazeroMemory)(nil)

// wazeroAllocator implements supervisor.Allocator using guest exports
type wazeroAllocator struct {
	allocFn    api.Function
	freeFn     api.Function
	currentCtx context.Context
	stackBuf   []uint64
	stackMutex sync.Mutex
	timeout    time.Duration
	allocArity int
	freeArity  int
}

// Compile-time check that wazeroAllocator implements supervisor.Allocator
var _ supervisor.Allocator = (*wazeroAllocator)(nil)

// newAllocator probes the instance for a known allocator export.
// It returns nil when the module exports none.
func newAllocator(mod api.Module, stackBuf []uint64, timeout time.Duration) *wazeroAllocator {
	defs := mod.ExportedFunctionDefinitions()

	a := &wazeroAllocator{stackBuf: stackBuf, timeout: timeout}
	for _, name := range allocExports {
		def, ok := defs[name]
		if !ok || len(def.ResultTypes()) != 1 {
			continue
		}
		arity := len(def.ParamTypes())
		if arity != 1 && arity != 4 {
			continue
		}
		a.allocFn = mod.ExportedFunction(name)
		a.allocArity = arity
		break
	}
	if a.allocFn == nil {
		return nil
	}

	for _, name := range freeExports {
		def, ok := defs[name]
		if !ok {
			continue
		}
		arity := len(def.ParamTypes())
		if arity < 1 || arity > 3 {
			continue
		}
		a.freeFn = mod.ExportedFunction(name)
		a.freeArity = arity
		break
	}
	return a
}

func (a *wazeroAllocator) setContext(ctx context.Context) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()
	a.currentCtx = ctx
}

func (a *wazeroAllocator) Alloc(size, align uint32) (uint32, error) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	ctx := a.currentCtx
	if ctx == nil {
		// outside a call the allocator still runs under the time ceiling
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
	}

	if a.allocArity == 1 {
		a.stackBuf[0] = uint64(size)
		if err := a.allocFn.CallWithStack(ctx, a.stackBuf[:1]); err != nil {
			return 0, errors.Trap("alloc", err)
		}
		return uint32(a.stackBuf[0]), nil
	}

	// cabi_realloc(old_ptr, old_size, align, new_size)
	a.stackBuf[0] = 0
	a.stackBuf[1] = 0
	a.stackBuf[2] = uint64(align)
	a.stackBuf[3] = uint64(size)
	if err := a.allocFn.CallWithStack(ctx, a.stackBuf[:4]); err != nil {
		return 0, errors.Trap("cabi_realloc", err)
	}
	return uint32(a.stackBuf[0]), nil
}

func (a *wazeroAllocator) Free(ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}

	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	ctx := a.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	a.stackBuf[0] = uint64(ptr)
	a.stackBuf[1] = uint64(size)
	a.stackBuf[2] = uint64(align)
	if err := a.freeFn.CallWithStack(ctx, a.stackBuf[:a.freeArity]); err != nil {
		Logger().Warn("free: guest deallocation failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// logWriter forwards guest stdout/stderr lines to the engine logger.
type logWriter struct {
	label  string
	stream string
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLogWriter(label, stream string) *logWriter {
	return &logWriter{label: label, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line stays buffered
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		Logger().Debug("guest output",
			zap.String("module", w.label),
			zap.String("stream", w.stream),
			zap.String("line", line[:len(line)-1]))
	}
	return len(p), nil
}
