package pool

import (
	"container/list"
	"context"

	"github.com/tetratelabs/wazero/api"

	supervisor "github.com/wippyai/wasm-supervisor"
	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/store"
)

// Sandbox is one pooled instance, held by a single caller between Acquire
// and Release. It is not safe for concurrent use.
type Sandbox struct {
	// ID is unique for the life of the pool; a destroyed instance's ID is never reused.
	ID uint64
	// Generation counts instances created for the same artifact and mount.
	Generation uint64
	Artifact   *store.Artifact

	key       string
	module    *engine.WazeroModule
	inst      *engine.WazeroInstance
	pool      *Pool
	busy      bool
	poisoned  bool
	calls     int
	idleElem  *list.Element
	orderElem *list.Element
}

// Call invokes an export. Any failure other than a missing export poisons
// the sandbox so Release destroys it.
func (s *Sandbox) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	s.calls++
	results, err := s.inst.Call(ctx, name, params...)
	if err != nil && errors.KindOf(err) != errors.KindNotFound {
		s.poisoned = true
	}
	return results, err
}

// Function returns the signature of an export.
func (s *Sandbox) Function(name string) (api.FunctionDefinition, bool) {
	return s.module.Function(name)
}

// Exports lists the module's exported functions.
func (s *Sandbox) Exports() []string { return s.module.ExportNames() }

// HasMemory reports whether the module exports its linear memory.
func (s *Sandbox) HasMemory() bool { return s.module.HasMemory() }

func (s *Sandbox) Memory() supervisor.Memory       { return s.inst.Memory() }
func (s *Sandbox) Allocator() supervisor.Allocator { return s.inst.Allocator() }

// Reserve forwards to the instance. Failing to grow memory poisons the sandbox.
func (s *Sandbox) Reserve(size uint32) (uint32, error) {
	off, err := s.inst.Reserve(size)
	if err != nil && errors.KindOf(err) == errors.KindTrap {
		s.poisoned = true
	}
	return off, err
}

// Discard marks the sandbox unusable; Release destroys it.
func (s *Sandbox) Discard() { s.poisoned = true }

// Calls reports how many calls this instance has served.
func (s *Sandbox) Calls() int { return s.calls }

// Release returns the sandbox to its pool.
func (s *Sandbox) Release() { s.pool.Release(s) }
