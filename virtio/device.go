// Package virtio implements the paravirtual device contract (feature bits,
// status byte, config space, per-queue notify) and the block, entropy, and
// network backends built on top of it. Devices are transport-agnostic: the
// mmio package is what a guest driver actually talks to.
package virtio

import (
	"sync"
	"sync/atomic"

	"github.com/kvmlite/vmm/virtqueue"
)

// Well-known device IDs, from the virtio specification's device-type
// registry.
const (
	DeviceIDNet   = 1
	DeviceIDBlock = 2
	DeviceIDRNG   = 4
)

// Feature bits this VMM advertises across every device.
const (
	FVersion1  = 1 << 32
	FRingEventIdx = uint64(virtqueue.FEventIdx)

	FBlkSizeMax = 1 << 1
	FBlkSegMax  = 1 << 2

	FNetMAC       = 1 << 5
	FNetHostTSO4  = 1 << 11
	FNetHostTSO6  = 1 << 12
	FNetHostUFO   = 1 << 14
	FNetGuestTSO4 = 1 << 7
	FNetGuestTSO6 = 1 << 8
	FNetGuestUFO  = 1 << 10
	FNetCSUM      = 1 << 0
)

// Status bits, written by the driver to the status register as it walks
// the device initialization state machine.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusFailed      = 0x80
)

// Device is the common contract every paravirtual device backend
// implements; the mmio transport drives a device purely through this
// interface.
type Device interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	NumQueues() int
	Queue(index int) *virtqueue.Queue
	Notify(index int)
	ReadConfig(offset, length uint32) []byte
	WriteConfig(offset uint32, data []byte)
	StatusByte() uint8
	WriteStatus(b uint8)
	ConfigGeneration() uint32
}

// Base implements the bookkeeping shared by every backend: status byte,
// config generation, and the fixed virtqueue set. Backends embed Base and
// add DeviceID/DeviceFeatures/ReadConfig/WriteConfig/Notify.
type Base struct {
	mu     sync.Mutex
	status uint8
	gen    uint32

	queues []*virtqueue.Queue
}

// NewBase allocates numQueues virtqueues of size qsize, all bound to mem.
func NewBase(mem []byte, numQueues int, qsize uint32) Base {
	qs := make([]*virtqueue.Queue, numQueues)
	for i := range qs {
		qs[i] = virtqueue.New(mem, qsize)
	}

	return Base{queues: qs}
}

func (b *Base) NumQueues() int                { return len(b.queues) }
func (b *Base) Queue(index int) *virtqueue.Queue { return b.queues[index] }

func (b *Base) StatusByte() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status
}

// WriteStatus stores the driver's new status byte. Writing 0 resets the
// device per the virtio 1.0 status-byte progression: every queue reverts to
// unready with its negotiated ring state discarded, so a later rebind starts
// from a clean slate rather than inheriting stale addresses.
func (b *Base) WriteStatus(v uint8) {
	b.mu.Lock()
	b.status = v
	b.mu.Unlock()

	if v == 0 {
		for _, q := range b.queues {
			q.Reset()
		}
	}
}

func (b *Base) ConfigGeneration() uint32 {
	return atomic.LoadUint32(&b.gen)
}

// bumpGeneration must be called by every WriteConfig implementation after
// a config-space write lands.
func (b *Base) bumpGeneration() {
	atomic.AddUint32(&b.gen, 1)
}
