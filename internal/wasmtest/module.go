// Package wasmtest assembles small core WebAssembly modules for tests.
package wasmtest

import (
	"bytes"
	"encoding/binary"
	"math"
)

// ValType is a core value type byte.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

const (
	magic   = 0x6d736100
	version = 1

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02

	funcTypeByte = 0x60
)

// Import is an imported function. Imports take the lowest function indices.
type Import struct {
	Module  string
	Name    string
	Params  []ValType
	Results []ValType
}

// Func is a defined function. An empty Export leaves it unexported.
type Func struct {
	Export  string
	Params  []ValType
	Results []ValType
	Locals  []ValType
	Body    []byte // without the trailing end
}

// Module is a module under construction.
type Module struct {
	Imports []Import
	Funcs   []Func

	// Pages is the initial memory size. 0 means no memory.
	Pages uint32
	// MaxPages bounds memory growth. 0 means unbounded.
	MaxPages uint32
	// HideMemory keeps the memory unexported.
	HideMemory bool
}

// Encode produces the binary module.
func (m *Module) Encode() []byte {
	w := newWriter()
	w.u32le(magic)
	w.u32le(version)

	// one type per function keeps indices trivial
	types := newWriter()
	types.u32(uint32(len(m.Imports) + len(m.Funcs)))
	for _, imp := range m.Imports {
		types.funcType(imp.Params, imp.Results)
	}
	for _, fn := range m.Funcs {
		types.funcType(fn.Params, fn.Results)
	}
	w.section(sectionType, types.bytes())

	if len(m.Imports) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(m.Imports)))
		for i, imp := range m.Imports {
			sec.name(imp.Module)
			sec.name(imp.Name)
			sec.byte(kindFunc)
			sec.u32(uint32(i))
		}
		w.section(sectionImport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(m.Funcs)))
		for i := range m.Funcs {
			sec.u32(uint32(len(m.Imports) + i))
		}
		w.section(sectionFunction, sec.bytes())
	}

	if m.Pages > 0 {
		sec := newWriter()
		sec.u32(1)
		if m.MaxPages > 0 {
			sec.byte(0x01)
			sec.u32(m.Pages)
			sec.u32(m.MaxPages)
		} else {
			sec.byte(0x00)
			sec.u32(m.Pages)
		}
		w.section(sectionMemory, sec.bytes())
	}

	exports := newWriter()
	count := uint32(0)
	if m.Pages > 0 && !m.HideMemory {
		exports.name("memory")
		exports.byte(kindMemory)
		exports.u32(0)
		count++
	}
	for i, fn := range m.Funcs {
		if fn.Export == "" {
			continue
		}
		exports.name(fn.Export)
		exports.byte(kindFunc)
		exports.u32(uint32(len(m.Imports) + i))
		count++
	}
	if count > 0 {
		sec := newWriter()
		sec.u32(count)
		sec.raw(exports.bytes())
		w.section(sectionExport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(m.Funcs)))
		for _, fn := range m.Funcs {
			body := newWriter()
			body.u32(uint32(len(fn.Locals)))
			for _, l := range fn.Locals {
				body.u32(1)
				body.byte(byte(l))
			}
			body.raw(fn.Body)
			body.byte(opEnd)
			sec.u32(uint32(body.len()))
			sec.raw(body.bytes())
		}
		w.section(sectionCode, sec.bytes())
	}

	return w.bytes()
}

// Opcodes used by the fixtures.
const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI64Const    = 0x42
	opF64Const    = 0x44
	opI32Add      = 0x6a
	opI32Sub      = 0x6b
	opI32Mul      = 0x6c
	opI64Add      = 0x7c
	opF64Mul      = 0xa2
	blockEmpty    = 0x40
)

// Code concatenates instruction encodings.
func Code(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func LocalGet(i uint32) []byte {
	w := newWriter()
	w.byte(opLocalGet)
	w.u32(i)
	return w.bytes()
}

func I32Const(v int32) []byte {
	w := newWriter()
	w.byte(opI32Const)
	w.s64(int64(v))
	return w.bytes()
}

func I64Const(v int64) []byte {
	w := newWriter()
	w.byte(opI64Const)
	w.s64(v)
	return w.bytes()
}

func F64Const(v float64) []byte {
	var b [9]byte
	b[0] = opF64Const
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v))
	return b[:]
}

func Call(idx uint32) []byte {
	w := newWriter()
	w.byte(opCall)
	w.u32(idx)
	return w.bytes()
}

// I32Load and I32Store use natural alignment and a zero offset.
func I32Load() []byte  { return []byte{opI32Load, 0x02, 0x00} }
func I32Store() []byte { return []byte{opI32Store, 0x02, 0x00} }

func I32Add() []byte      { return []byte{opI32Add} }
func I32Sub() []byte      { return []byte{opI32Sub} }
func I32Mul() []byte      { return []byte{opI32Mul} }
func I64Add() []byte      { return []byte{opI64Add} }
func F64Mul() []byte      { return []byte{opF64Mul} }
func Drop() []byte        { return []byte{opDrop} }
func Unreachable() []byte { return []byte{opUnreachable} }

// Spin loops forever.
func Spin() []byte { return []byte{opLoop, blockEmpty, opBr, 0x00, opEnd} }

type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) bytes() []byte { return w.buf.Bytes() }
func (w *writer) len() int      { return w.buf.Len() }
func (w *writer) byte(b byte)   { w.buf.WriteByte(b) }
func (w *writer) raw(p []byte)  { w.buf.Write(p) }

func (w *writer) u32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func (w *writer) s64(v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			w.buf.WriteByte(b)
			return
		}
		w.buf.WriteByte(b | 0x80)
	}
}

func (w *writer) u32le(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) name(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) funcType(params, results []ValType) {
	w.byte(funcTypeByte)
	w.u32(uint32(len(params)))
	for _, p := range params {
		w.byte(byte(p))
	}
	w.u32(uint32(len(results)))
	for _, r := range results {
		w.byte(byte(r))
	}
}

func (w *writer) section(id byte, data []byte) {
	w.byte(id)
	w.u32(uint32(len(data)))
	w.raw(data)
}
