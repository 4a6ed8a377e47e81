// Package engine runs core WebAssembly modules on wazero.
//
// # Architecture
//
//	WazeroEngine   - one wazero runtime, host modules, compilation cache
//	WazeroModule   - a compiled, import-checked module
//	WazeroInstance - an isolated instance with its own linear memory
//
// Modules may import only wasi_snapshot_preview1 and the camera host module.
// Anything else is rejected at Compile time so that a bad artifact fails
// deployment instead of the first request.
//
// # Memory
//
// Every access to guest memory goes through WazeroMemory, which is bounds
// checked and returns out_of_bounds errors instead of panicking. Data is passed
// into a module either through its exported allocator (cabi_realloc, alloc,
// allocate, ...) or, when it exports none, through a scratch region reserved at
// the top of memory with Reserve.
//
// # Ceilings
//
// Each Call runs under Config.ExecutionTimeout. The runtime is created with
// close-on-context-done, so a guest spinning forever is stopped and the
// instance reports Closed. Config.MemoryLimitPages caps memory growth.
//
// # Logging
//
// The package logs through a zap logger that is a no-op until SetLogger is
// called. Guest stdout and stderr are forwarded line by line at debug level.
package engine
