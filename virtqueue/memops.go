package virtqueue

import (
	"sync/atomic"
	"unsafe"
)

func translate(mem []byte, addr uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[addr])
}

// readU16/writeU16 are plain 16-bit loads and stores: sync/atomic has no
// 16-bit operations. The ordering the virtio split ring needs around the
// avail-idx and used-idx hand-off points comes from readBarrier and
// writeBarrier below.
func readU16(mem []byte, addr uint64) uint16 {
	return *(*uint16)(translate(mem, addr))
}

func writeU16(mem []byte, addr uint64, v uint16) {
	*(*uint16)(translate(mem, addr)) = v
}

func readU32(mem []byte, addr uint64) uint32 {
	return *(*uint32)(translate(mem, addr))
}

func writeU32(mem []byte, addr uint64, v uint32) {
	*(*uint32)(translate(mem, addr)) = v
}

// barrierWord is the target of the atomic operations the barriers issue;
// its value is never read for anything.
var barrierWord uint32

// readBarrier/writeBarrier sit at the split ring's read-before-avail-idx and
// write-before-used-idx points. Each performs a sync/atomic operation, which
// the Go compiler does not move other memory accesses across; on amd64 the
// add in writeBarrier is a locked instruction and so also a hardware fence.
func readBarrier()  { atomic.LoadUint32(&barrierWord) }
func writeBarrier() { atomic.AddUint32(&barrierWord, 0) }
