package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	supervisor "github.com/wippyai/wasm-supervisor"
	"github.com/wippyai/wasm-supervisor/errors"
)

// DefaultExecutionTimeout bounds a single guest call when Config leaves it unset.
const DefaultExecutionTimeout = 30 * time.Second

// WazeroEngine owns one wazero runtime shared by every module it compiles.
type WazeroEngine struct {
	runtime      wazero.Runtime
	cache        wazero.CompilationCache
	camera       Camera
	cfg          Config
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
	camInitMu    sync.Mutex
	camInitDone  atomic.Bool
}

// Config holds configuration for engine creation
type Config struct {
	// Camera backs the camera host module. Nil means captures fail at call time.
	Camera Camera

	// CacheDir persists compiled machine code across restarts. Empty disables it.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// ExecutionTimeout bounds every exported function call. 0 means DefaultExecutionTimeout.
	ExecutionTimeout time.Duration

	// Interpreter selects the portable interpreter instead of the compiler.
	Interpreter bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if c.Interpreter {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	}
	// Guest calls must stop when their context expires; this is the time ceiling.
	runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	e := &WazeroEngine{cfg: c, camera: c.Camera}
	if c.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(c.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
		e.cache = cache
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return e, nil
}

// Compile validates and compiles a core WebAssembly module.
// Imports must be satisfiable by the host modules this engine provides.
func (e *WazeroEngine) Compile(ctx context.Context, wasmBytes []byte) (*WazeroModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile module")
	}

	var needWASI, needCamera bool
	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		switch modName {
		case wasi_snapshot_preview1.ModuleName:
			needWASI = true
		case CameraModule:
			if !isCameraImport(name) {
				_ = compiled.Close(ctx)
				return nil, errors.New(errors.PhaseLoad, errors.KindValidation).
					Path(modName, name).
					Detail("unsupported host function").
					Build()
			}
			needCamera = true
		default:
			_ = compiled.Close(ctx)
			return nil, errors.New(errors.PhaseLoad, errors.KindValidation).
				Path(modName, name).
				Detail("unknown import module %q", modName).
				Build()
		}
	}

	if needWASI {
		if err := e.InitWASI(ctx); err != nil {
			_ = compiled.Close(ctx)
			return nil, err
		}
	}
	if needCamera {
		if err := e.InitCamera(ctx); err != nil {
			_ = compiled.Close(ctx)
			return nil, err
		}
	}

	_, hasMemory := compiled.ExportedMemories()[MemoryExport]

	return &WazeroModule{
		engine:    e,
		compiled:  compiled,
		exports:   compiled.ExportedFunctions(),
		hasMemory: hasMemory,
	}, nil
}

// Close releases the runtime and every module compiled by it.
func (e *WazeroEngine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// InitWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls from multiple modules sharing the same engine.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}

	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) != nil {
		e.wasiInitDone.Store(true)
		return nil
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		if e.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
			return errors.Wrap(errors.PhaseLoad, errors.KindInternal, err, "instantiate WASI")
		}
	}

	e.wasiInitDone.Store(true)
	return nil
}

// WazeroModule is a compiled WASM module
type WazeroModule struct {
	engine    *WazeroEngine
	compiled  wazero.CompiledModule
	exports   map[string]api.FunctionDefinition
	hasMemory bool
}

// ExportNames returns the names of all exported functions, sorted.
func (m *WazeroModule) ExportNames() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Function returns the definition of an exported function.
func (m *WazeroModule) Function(name string) (api.FunctionDefinition, bool) {
	def, ok := m.exports[name]
	return def, ok
}

// HasMemory reports whether the module exports its linear memory.
func (m *WazeroModule) HasMemory() bool {
	return m.hasMemory
}

// Close releases the compiled code. Live instances must be closed first.
func (m *WazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// InstanceConfig holds configuration for module instantiation
type InstanceConfig struct {
	// Stdout and Stderr receive guest output. Nil routes it to the engine logger.
	Stdout io.Writer
	Stderr io.Writer

	// Env is exposed through WASI environ_get.
	Env map[string]string

	// MountDir is a host directory mounted as the guest's root.
	MountDir string

	// Label identifies the instance in guest output logs.
	Label string
}

// Instantiate creates an instance with default configuration
func (m *WazeroModule) Instantiate(ctx context.Context) (*WazeroInstance, error) {
	return m.InstantiateWithConfig(ctx, nil)
}

// InstantiateWithConfig creates an instance with custom configuration
func (m *WazeroModule) InstantiateWithConfig(ctx context.Context, cfg *InstanceConfig) (*WazeroInstance, error) {
	if cfg == nil {
		cfg = &InstanceConfig{}
	}

	// Anonymous names allow parallel instances of one compiled module.
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions(initializeExport)

	stdout, stderr := cfg.Stdout, cfg.Stderr
	if stdout == nil {
		stdout = newLogWriter(cfg.Label, "stdout")
	}
	if stderr == nil {
		stderr = newLogWriter(cfg.Label, "stderr")
	}
	modConfig = modConfig.WithStdout(stdout).WithStderr(stderr)

	for k, v := range cfg.Env {
		modConfig = modConfig.WithEnv(k, v)
	}
	if cfg.MountDir != "" {
		modConfig = modConfig.WithFSConfig(wazero.NewFSConfig().WithDirMount(cfg.MountDir, "/"))
	}

	instance, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindTrap, err, "instantiate module")
	}

	inst := &WazeroInstance{
		module:   instance,
		timeout:  m.engine.cfg.ExecutionTimeout,
		funcs:    make(map[string]api.Function),
		stackBuf: make([]uint64, 4),
	}

	if mem := instance.ExportedMemory(MemoryExport); mem != nil {
		inst.memory = &WazeroMemory{mem: mem}
	}

	inst.alloc = newAllocator(instance, inst.stackBuf, inst.timeout)
	return inst, nil
}

// WazeroInstance is a running WASM instance.
// It is NOT safe for concurrent use from multiple goroutines.
// Each goroutine should have its own Instance, or access must be synchronized externally.
type WazeroInstance struct {
	module   api.Module
	memory   *WazeroMemory
	alloc    *wazeroAllocator
	funcs    map[string]api.Function
	stackBuf []uint64
	timeout  time.Duration

	reservedOff  uint32
	reservedSize uint32
}

// Call invokes an exported function under the instance's execution ceiling.
// Any failure, including a ceiling hit, is reported as a trap; the instance
// must not be reused once Closed reports true.
func (i *WazeroInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	if i.alloc != nil {
		i.alloc.setContext(callCtx)
		defer i.alloc.setContext(nil)
	}

	start := time.Now()
	results, err := fn.Call(callCtx, params...)
	debugf("call %s took %s", name, time.Since(start))
	if err == nil {
		return results, nil
	}

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case 0:
			// proc_exit(0) ends the instance but is not a fault.
			return nil, nil
		case sys.ExitCodeDeadlineExceeded:
			if ctx.Err() == nil {
				return nil, errors.Trap(name, fmt.Errorf("execution time ceiling %s: %w", i.timeout, err))
			}
		}
	}
	return nil, errors.Trap(name, err)
}

func (i *WazeroInstance) function(name string) api.Function {
	if fn, ok := i.funcs[name]; ok {
		return fn
	}
	fn := i.module.ExportedFunction(name)
	if fn != nil {
		i.funcs[name] = fn
	}
	return fn
}

// Memory returns the exported linear memory, or nil when the module has none.
func (i *WazeroInstance) Memory() supervisor.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// Allocator returns the guest allocator, or nil when the module exports none.
func (i *WazeroInstance) Allocator() supervisor.Allocator {
	if i.alloc == nil {
		return nil
	}
	return i.alloc
}

// Reserve returns the offset of a host-owned scratch region of at least size
// bytes at the top of linear memory. The region is grown once and reused by
// later calls; growing past the memory ceiling is a trap.
func (i *WazeroInstance) Reserve(size uint32) (uint32, error) {
	if i.memory == nil {
		return 0, errors.New(errors.PhaseEncode, errors.KindValidation).
			Detail("module exports no %q", MemoryExport).
			Build()
	}
	if size <= i.reservedSize {
		return i.reservedOff, nil
	}

	pages := (size + pageSize - 1) / pageSize
	prev, ok := i.memory.mem.Grow(pages)
	if !ok {
		return 0, errors.New(errors.PhaseEncode, errors.KindTrap).
			Detail("memory ceiling: cannot grow by %d pages", pages).
			Build()
	}
	i.reservedOff = prev * pageSize
	i.reservedSize = pages * pageSize

	Logger().Debug("reserved scratch region",
		zap.Uint32("offset", i.reservedOff),
		zap.Uint32("size", i.reservedSize))
	return i.reservedOff, nil
}

// Closed reports whether the guest terminated the instance, for example by
// hitting the execution ceiling or calling proc_exit.
func (i *WazeroInstance) Closed() bool {
	return i.module == nil || i.module.IsClosed()
}

// Close releases the instance.
func (i *WazeroInstance) Close(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	err := i.module.Close(ctx)
	i.module = nil
	i.funcs = nil
	i.memory = nil
	i.alloc = nil
	i.stackBuf = nil
	return err
}
