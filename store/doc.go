// Package store is the module store: a content-addressed disk cache of
// WebAssembly artifacts.
//
// Modules are registered with a Source naming a generic binary URL, optional
// per-arch variants and an expected digest. Ensure resolves the variant for
// the host arch, downloads it while hashing, and only renames the payload into
// place once the digest matches. Concurrent Ensure calls for one artifact share
// a single download. A module registered without a digest is pinned to
// whatever the first successful fetch produced.
//
// The cache is bounded by bytes and evicts least recently used artifacts.
// Load re-verifies the bytes it reads, so tampering on disk surfaces as
// fetch_integrity rather than as a corrupt module.
//
// Layout:
//
//	<dir>/<module>/<arch>/module.wasm
package store
