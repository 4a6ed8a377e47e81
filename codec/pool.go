package codec

import "sync"

const (
	poolInitCap = 512
	poolMaxCap  = 1 << 20
)

// arena buffers reused by Lower
var arenaPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, poolInitCap)
		return &buf
	},
}

func getArena() *[]byte {
	return arenaPool.Get().(*[]byte)
}

func putArena(buf *[]byte) {
	if buf == nil || cap(*buf) > poolMaxCap {
		return // oversized buffers are left to the GC
	}
	*buf = (*buf)[:0]
	arenaPool.Put(buf)
}
