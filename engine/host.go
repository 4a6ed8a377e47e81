package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/errors"
)

// CameraModule is the import module name of the camera host functions.
const CameraModule = "camera"

const (
	takeImageDynamicSize = "takeImageDynamicSize"
	takeImageStaticSize  = "takeImageStaticSize"
)

// HostInterfaces lists the host functions modules may import, as module#name.
var HostInterfaces = []string{
	CameraModule + "#" + takeImageDynamicSize,
	CameraModule + "#" + takeImageStaticSize,
}

func isCameraImport(name string) bool {
	return name == takeImageDynamicSize || name == takeImageStaticSize
}

// Camera captures one encoded frame (typically JPEG).
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// FileCamera serves a fixed image file as every frame.
type FileCamera struct {
	Path string
}

// Capture reads the image file.
func (c FileCamera) Capture(_ context.Context) ([]byte, error) {
	return os.ReadFile(c.Path)
}

// InitCamera instantiates the camera host module once per engine.
func (e *WazeroEngine) InitCamera(ctx context.Context) error {
	if e.camInitDone.Load() {
		return nil
	}

	e.camInitMu.Lock()
	defer e.camInitMu.Unlock()

	if e.camInitDone.Load() || e.runtime.Module(CameraModule) != nil {
		e.camInitDone.Store(true)
		return nil
	}

	i32 := api.ValueTypeI32
	_, err := e.runtime.NewHostModuleBuilder(CameraModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.takeImageDynamicSize), []api.ValueType{i32, i32}, nil).
		Export(takeImageDynamicSize).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.takeImageStaticSize), []api.ValueType{i32, i32}, nil).
		Export(takeImageStaticSize).
		Instantiate(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInternal, err, "instantiate camera host module")
	}

	e.camInitDone.Store(true)
	return nil
}

func (e *WazeroEngine) capture(ctx context.Context) []byte {
	if e.camera == nil {
		panic(fmt.Errorf("%s: no camera configured", CameraModule))
	}
	frame, err := e.camera.Capture(ctx)
	if err != nil {
		panic(fmt.Errorf("%s: capture: %w", CameraModule, err))
	}
	return frame
}

// takeImageDynamicSize(out_ptr_ptr, out_size_ptr) writes a whole frame into
// guest memory and stores its location and length at the two pointers.
// The frame goes through the guest allocator when one is exported, else at offset 0.
func (e *WazeroEngine) takeImageDynamicSize(ctx context.Context, mod api.Module, stack []uint64) {
	outPtrPtr := api.DecodeU32(stack[0])
	outSizePtr := api.DecodeU32(stack[1])

	mem := mod.ExportedMemory(MemoryExport)
	if mem == nil {
		panic(fmt.Errorf("%s: module exports no %q", CameraModule, MemoryExport))
	}

	frame := e.capture(ctx)

	var offset uint32
	if alloc := newAllocator(mod, make([]uint64, 4), e.cfg.ExecutionTimeout); alloc != nil {
		alloc.setContext(ctx)
		ptr, err := alloc.Alloc(uint32(len(frame)), 1)
		if err != nil {
			panic(err)
		}
		offset = ptr
	}

	if !mem.Write(offset, frame) ||
		!mem.WriteUint32Le(outPtrPtr, offset) ||
		!mem.WriteUint32Le(outSizePtr, uint32(len(frame))) {
		panic(errors.OutOfBounds(errors.PhaseRuntime, []string{CameraModule, takeImageDynamicSize},
			uint64(offset), uint64(len(frame)), uint64(mem.Size())))
	}

	Logger().Debug("camera frame written",
		zap.Uint32("offset", offset),
		zap.Int("size", len(frame)))
}

// takeImageStaticSize(out_ptr, size_ptr) writes at most *size_ptr bytes of a
// frame at out_ptr.
func (e *WazeroEngine) takeImageStaticSize(ctx context.Context, mod api.Module, stack []uint64) {
	outPtr := api.DecodeU32(stack[0])
	sizePtr := api.DecodeU32(stack[1])

	mem := mod.ExportedMemory(MemoryExport)
	if mem == nil {
		panic(fmt.Errorf("%s: module exports no %q", CameraModule, MemoryExport))
	}

	want, ok := mem.ReadUint32Le(sizePtr)
	if !ok {
		panic(errors.OutOfBounds(errors.PhaseRuntime, []string{CameraModule, takeImageStaticSize},
			uint64(sizePtr), 4, uint64(mem.Size())))
	}

	frame := e.capture(ctx)
	if uint32(len(frame)) > want {
		frame = frame[:want]
	}
	if !mem.Write(outPtr, frame) {
		panic(errors.OutOfBounds(errors.PhaseRuntime, []string{CameraModule, takeImageStaticSize},
			uint64(outPtr), uint64(len(frame)), uint64(mem.Size())))
	}
}
