package engine

const (
	// MemoryExport is the linear memory every data-passing module must export.
	MemoryExport = "memory"

	CabiRealloc = "cabi_realloc"
	CabiFree    = "cabi_free"

	// Legacy names from toolchains that predate cabi_realloc
	legacyRealloc = "canonical_abi_realloc"
	legacyAlloc   = "allocate"
	simpleAlloc   = "alloc"
	legacyDealloc = "deallocate"
	simpleFree    = "free"

	// initializeExport runs once after instantiation for reactor modules.
	initializeExport = "_initialize"

	pageSize = 65536
)

// allocExports are probed in order when looking for a guest allocator.
var allocExports = []string{CabiRealloc, legacyRealloc, legacyAlloc, simpleAlloc}

// freeExports are probed in order when looking for a guest deallocator.
var freeExports = []string{CabiFree, legacyDealloc, simpleFree}
