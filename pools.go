package tabdb

import "sync"

const pooledArenaCap = 4096

var arenaBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, pooledArenaCap)
	},
}

func getArenaBytes() []byte {
	return arenaBytesPool.Get().([]byte)
}

// releaseArenaBytes returns a staging buffer to the pool. Oversized buffers
// are left to the GC so that one large row does not pin memory.
func releaseArenaBytes(b []byte) {
	if b == nil || cap(b) > 16*pooledArenaCap {
		return
	}
	arenaBytesPool.Put(b[:0])
}
