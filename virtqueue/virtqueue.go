// Package virtqueue implements the virtio 1.0 split-ring transport: three
// independently-addressed guest-physical rings (descriptor, available,
// used) that a device backend walks to exchange buffers with the guest
// driver, entirely through shared memory plus explicit barriers.
package virtqueue

import (
	"sync"
	"sync/atomic"
)

// QueueSizeMax bounds every ring this package understands; 256 covers every
// device this VMM exposes without wasting guest memory on oversized rings.
const QueueSizeMax = 0x100

// Descriptor flags, from the virtio 1.0 specification §2.6.5.
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

// Feature bits this transport understands.
const (
	FEventIdx = 1 << 29
)

// Desc mirrors one descriptor-ring entry: a guest-physical buffer, its
// length, flags, and the next index in a chained descriptor list.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem mirrors one used-ring entry: the head descriptor index and the
// total length the device wrote.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Queue is one virtqueue bound to a guest memory slice and a fixed set of
// three guest-physical ring addresses. All ring layout math is done via
// Queue's translate helpers; the struct itself holds no copy of ring data.
type Queue struct {
	mem []byte

	mu    sync.Mutex
	ready bool

	Size uint32

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	lastAvail uint32
	usedIdx   uint32

	notify uint64
}

// New binds a queue of the given negotiated size to guest memory mem.
func New(mem []byte, size uint32) *Queue {
	return &Queue{mem: mem, Size: size}
}

// SetReady marks the queue usable once the driver has written all three
// ring addresses.
func (q *Queue) SetReady() {
	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
}

// IsReady reports whether SetReady has been called.
func (q *Queue) IsReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.ready
}

// SetNotify records that the guest kicked this queue. Next() refuses to
// return a buffer until a kick has been recorded, and clears the pending
// kick once the avail ring has been fully drained.
func (q *Queue) SetNotify() {
	atomic.StoreUint64(&q.notify, 1)
}

// Reset clears the queue back to its pre-negotiation state: not ready, no
// ring addresses, and the avail/used cursors restarted from zero. Called
// when the driver writes 0 to the device status register.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.ready = false
	q.mu.Unlock()

	q.DescAddr = 0
	q.AvailAddr = 0
	q.UsedAddr = 0
	q.lastAvail = 0
	q.usedIdx = 0
	atomic.StoreUint64(&q.notify, 0)
}

func (q *Queue) descAt(i uint32) *Desc {
	off := q.DescAddr + uint64(i%q.Size)*16
	return (*Desc)(translate(q.mem, off))
}

func (q *Queue) availFlags() uint16 { return readU16(q.mem, q.AvailAddr) }
func (q *Queue) availIdx() uint16   { return readU16(q.mem, q.AvailAddr+2) }
func (q *Queue) availRing(i uint32) uint16 {
	return readU16(q.mem, q.AvailAddr+4+uint64(i%q.Size)*2)
}

func (q *Queue) usedFlagsAddr() uint64 { return q.UsedAddr }
func (q *Queue) usedIdxAddr() uint64   { return q.UsedAddr + 2 }
func (q *Queue) usedElemAddr(i uint32) uint64 {
	return q.UsedAddr + 4 + uint64(i%q.Size)*8
}

// Next returns the head descriptor index of the next available buffer chain
// the guest has published, or ok=false if the queue isn't ready, no kick is
// pending, or the avail ring has nothing new since the last call. It issues
// a read barrier before reading the avail index, matching the ordering the
// virtio spec requires of the device side.
func (q *Queue) Next() (head uint16, ok bool) {
	if !q.IsReady() || atomic.LoadUint64(&q.notify) == 0 {
		return 0, false
	}

	readBarrier()

	if uint32(q.availIdx()) == q.lastAvail {
		atomic.StoreUint64(&q.notify, 0)

		return 0, false
	}

	head = q.availRing(q.lastAvail % q.Size)
	q.lastAvail++

	return head, true
}

// Chain walks the descriptor chain starting at head, calling visit for each
// descriptor's guest-memory slice. visit returning an error stops the walk.
func (q *Queue) Chain(head uint16, visit func(buf []byte, writable bool) error) error {
	idx := head

	for {
		d := q.descAt(uint32(idx))

		buf := q.mem[d.Addr : d.Addr+uint64(d.Len)]
		if err := visit(buf, d.Flags&DescFWrite != 0); err != nil {
			return err
		}

		if d.Flags&DescFNext == 0 {
			return nil
		}

		idx = d.Next
	}
}

// AddUsed publishes a completed buffer chain (head descriptor index start,
// total bytes written len) to the used ring, with write barriers bracketing
// the ring update so the guest never observes a torn entry.
func (q *Queue) AddUsed(start uint32, length uint32) {
	writeBarrier()

	elemOff := q.usedElemAddr(q.usedIdx)
	writeU32(q.mem, elemOff, start)
	writeU32(q.mem, elemOff+4, length)

	q.usedIdx++
	writeU16(q.mem, q.usedIdxAddr(), uint16(q.usedIdx))

	writeBarrier()
}

// AvailEventIdx reads the used_event field the driver publishes at the tail
// of the avail ring, used when VIRTIO_RING_F_EVENT_IDX negotiated to decide
// whether an interrupt is actually needed for this completion.
func (q *Queue) AvailEventIdx() uint16 {
	return readU16(q.mem, q.AvailAddr+4+uint64(q.Size)*2)
}
