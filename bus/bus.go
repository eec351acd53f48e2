// Package bus implements the ordered port-I/O and MMIO endpoint lists a
// vCPU exit loop dispatches guest accesses through.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/device"
)

type ioEntry struct {
	base, size uint64
	dev        device.IODevice
}

type mmioEntry struct {
	base, size uint64
	dev        device.MMIODevice
}

// Bus dispatches port-I/O and MMIO accesses to registered devices by
// linear search over their [base, base+size) ranges.
type Bus struct {
	mu   sync.RWMutex
	log  logrus.FieldLogger
	io   []ioEntry
	mmio []mmioEntry

	ignoredPorts map[uint64]bool
}

// New constructs an empty bus. ignoredPorts silently drops unmatched
// accesses instead of logging them (BIOS POST, 0x80, being the canonical
// example).
func New(log logrus.FieldLogger, ignoredPorts ...uint64) *Bus {
	ignored := make(map[uint64]bool, len(ignoredPorts))
	for _, p := range ignoredPorts {
		ignored[p] = true
	}

	return &Bus{log: log, ignoredPorts: ignored}
}

// AddIODevice registers dev over [dev.IOPort(), dev.IOPort()+dev.Size()).
func (b *Bus) AddIODevice(dev device.IODevice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.io = append(b.io, ioEntry{base: dev.IOPort(), size: dev.Size(), dev: dev})
}

// AddMMIODevice registers dev over [dev.BaseAddr(), dev.BaseAddr()+dev.Width()).
func (b *Bus) AddMMIODevice(dev device.MMIODevice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mmio = append(b.mmio, mmioEntry{base: dev.BaseAddr(), size: dev.Width(), dev: dev})
}

func (b *Bus) findIO(port uint64) device.IODevice {
	for _, e := range b.io {
		if port >= e.base && port < e.base+e.size {
			return e.dev
		}
	}

	return nil
}

func (b *Bus) findMMIO(addr uint64) device.MMIODevice {
	for _, e := range b.mmio {
		if addr >= e.base && addr < e.base+e.size {
			return e.dev
		}
	}

	return nil
}

// In services a port-I/O read. Unmatched ports return zero-filled data.
func (b *Bus) In(port uint64, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev := b.findIO(port)
	if dev == nil {
		b.warnUnmatchedPort("in", port, data)

		for i := range data {
			data[i] = 0
		}

		return
	}

	if err := dev.Read(port, data); err != nil && b.log != nil {
		b.log.WithError(err).Warnf("bus: io read at %#x failed", port)
	}
}

// Out services a port-I/O write. Unmatched ports are logged (unless
// allow-listed) but never fail the guest.
func (b *Bus) Out(port uint64, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev := b.findIO(port)
	if dev == nil {
		b.warnUnmatchedPort("out", port, data)

		return
	}

	if err := dev.Write(port, data); err != nil && b.log != nil {
		b.log.WithError(err).Warnf("bus: io write at %#x failed", port)
	}
}

// MMIORead services a memory-mapped read. Unmatched addresses return
// zero-filled data.
func (b *Bus) MMIORead(addr uint64, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev := b.findMMIO(addr)
	if dev == nil {
		if b.log != nil {
			b.log.Warnf("bus: unmatched mmio read at %#x", addr)
		}

		for i := range data {
			data[i] = 0
		}

		return
	}

	dev.Read(addr-dev.BaseAddr(), data)
}

// MMIOWrite services a memory-mapped write.
func (b *Bus) MMIOWrite(addr uint64, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev := b.findMMIO(addr)
	if dev == nil {
		if b.log != nil {
			b.log.Warnf("bus: unmatched mmio write at %#x value %x", addr, data)
		}

		return
	}

	dev.Write(addr-dev.BaseAddr(), data)
}

func (b *Bus) warnUnmatchedPort(direction string, port uint64, data []byte) {
	if b.ignoredPorts[port] {
		return
	}

	if b.log != nil {
		b.log.Warnf("bus: unmatched io %s at %#x value %x", direction, port, data)
	}
}
