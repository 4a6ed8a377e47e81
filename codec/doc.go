// Package codec moves schema-typed values in and out of module linear memory.
//
// A schema is an ordered list of parameters, each a WIT primitive or a byte
// payload (list<u8>). Values are carried as a tagged variant rather than
// through reflection, so the per-call path only switches on Kind.
//
// # Type mapping
//
//	Schema type           Core params        Core result
//	─────────────────────────────────────────────────────
//	bool, u8-u32, s8-s32  i32                i32
//	char                  i32                i32
//	u64, s64              i64                i64
//	f32                   f32                f32
//	f64                   f64                f64
//	string, list<u8>      i32 ptr, i32 len   i32 ptr to [u32 len][bytes]
//
// # Arena
//
// Encode produces the arena: every value at its natural alignment,
// little-endian, with strings and byte payloads written as a u32 length
// followed by the bytes. Chained hops ship the arena as-is. Lower copies it
// into linear memory and passes scalars by value and payloads as
// (offset, length) pairs into the copy. Decode and Lift are the inverses and
// never read past the arena or the memory they were given.
package codec
