package wasmtest

// Fixed guest addresses used by the fixtures.
const (
	// AllocBase is where the constant allocator places every allocation.
	AllocBase = 1024
	// BadAlloc is the out-of-range pointer returned by BadAllocator.
	BadAlloc = 0xFFFF0000
)

var (
	i32x1 = []ValType{I32}
	i32x2 = []ValType{I32, I32}
)

// constAlloc is alloc(size) -> AllocBase.
func constAlloc(at int32) Func {
	return Func{Export: "alloc", Params: i32x1, Results: i32x1, Body: I32Const(at)}
}

// Double exports double(i32) -> i32 returning twice its input.
func Double() []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "double",
		Params:  i32x1,
		Results: i32x1,
		Body:    Code(LocalGet(0), I32Const(2), I32Mul()),
	}}}
	return m.Encode()
}

// AddOne exports add_one(i32) -> i32.
func AddOne() []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "add_one",
		Params:  i32x1,
		Results: i32x1,
		Body:    Code(LocalGet(0), I32Const(1), I32Add()),
	}}}
	return m.Encode()
}

// Numeric exports inc64(i64) -> i64 and scale(f64) -> f64 (times two).
func Numeric() []byte {
	m := Module{Pages: 1, Funcs: []Func{
		{
			Export:  "inc64",
			Params:  []ValType{I64},
			Results: []ValType{I64},
			Body:    Code(LocalGet(0), I64Const(1), I64Add()),
		},
		{
			Export:  "scale",
			Params:  []ValType{F64},
			Results: []ValType{F64},
			Body:    Code(LocalGet(0), F64Const(2), F64Mul()),
		},
	}}
	return m.Encode()
}

// Trap exports fail(i32) -> i32, which always hits unreachable.
func Trap() []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "fail",
		Params:  i32x1,
		Results: i32x1,
		Body:    Unreachable(),
	}}}
	return m.Encode()
}

// Spinner exports spin(i32) -> i32, which never returns.
func Spinner() []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "spin",
		Params:  i32x1,
		Results: i32x1,
		Body:    Code(Spin(), Unreachable()),
	}}}
	return m.Encode()
}

// Echo exports echo(ptr, len) -> ptr returning its blob or string argument
// unchanged. The argument is already preceded by its length, so the result
// points four bytes before it. With alloc set, the module also exports a
// constant allocator at AllocBase.
func Echo(alloc bool) []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "echo",
		Params:  i32x2,
		Results: i32x1,
		Body:    Code(LocalGet(0), I32Const(4), I32Sub()),
	}}}
	if alloc {
		m.Funcs = append(m.Funcs, constAlloc(AllocBase))
	}
	return m.Encode()
}

// BadPointer exports leak(ptr, len) -> ptr returning a pointer near the top
// of the address space, far past the end of memory.
func BadPointer() []byte {
	m := Module{Pages: 1, Funcs: []Func{{
		Export:  "leak",
		Params:  i32x2,
		Results: i32x1,
		Body:    I32Const(-16),
	}}}
	return m.Encode()
}

// BadAllocator exports an allocator returning BadAlloc and process(ptr, len) -> ptr,
// which traps if it ever runs.
func BadAllocator() []byte {
	bad := uint32(BadAlloc)
	m := Module{Pages: 1, Funcs: []Func{
		{
			Export:  "process",
			Params:  i32x2,
			Results: i32x1,
			Body:    Unreachable(),
		},
		constAlloc(int32(bad)),
	}}
	return m.Encode()
}

// Camera imports camera.takeImageDynamicSize and exports capture() -> ptr,
// which returns the captured frame as a length-prefixed blob.
func Camera() []byte {
	const (
		outPtr  = 16
		outSize = 20
		prefix  = AllocBase - 4
	)
	m := Module{
		Pages: 1,
		Imports: []Import{{
			Module: "camera",
			Name:   "takeImageDynamicSize",
			Params: i32x2,
		}},
		Funcs: []Func{
			{
				Export:  "capture",
				Results: i32x1,
				Body: Code(
					I32Const(outPtr), I32Const(outSize), Call(0),
					I32Const(prefix), I32Const(outSize), I32Load(), I32Store(),
					I32Const(prefix),
				),
			},
			constAlloc(AllocBase),
		},
	}
	return m.Encode()
}

// ProcExit imports wasi proc_exit and exports quit(), which exits with status 0.
func ProcExit() []byte {
	m := Module{
		Pages: 1,
		Imports: []Import{{
			Module: "wasi_snapshot_preview1",
			Name:   "proc_exit",
			Params: i32x1,
		}},
		Funcs: []Func{{
			Export: "quit",
			Body:   Code(I32Const(0), Call(0)),
		}},
	}
	return m.Encode()
}

// UnknownImport imports a function from a module no host provides.
func UnknownImport() []byte {
	m := Module{
		Pages:   1,
		Imports: []Import{{Module: "env", Name: "mystery"}},
		Funcs: []Func{{
			Export: "run",
			Body:   Call(0),
		}},
	}
	return m.Encode()
}

// NoMemory exports double(i32) -> i32 without any linear memory.
func NoMemory() []byte {
	m := Module{Funcs: []Func{{
		Export:  "double",
		Params:  i32x1,
		Results: i32x1,
		Body:    Code(LocalGet(0), I32Const(2), I32Mul()),
	}}}
	return m.Encode()
}
