// Package mmio implements the virtio-mmio 1.0 register transport: the
// register map a guest driver probes and pokes to discover, negotiate, and
// drive a paravirtual device over a memory-mapped window.
package mmio

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtio"
	"github.com/kvmlite/vmm/virtqueue"
)

// MagicValue is the fixed "virt" signature every transport advertises at
// offset 0.
const MagicValue = 0x74726976

// Version is the virtio-mmio transport version this VMM implements.
const Version = 2

// VendorID is the fixed "KTHX" vendor signature.
const VendorID = 0x4b544858

// Register offsets, from the virtio-mmio 1.0 specification.
const (
	regMagicValue         = 0x000
	regVersion            = 0x004
	regDeviceID           = 0x008
	regVendorID           = 0x00c
	regDeviceFeatures     = 0x010
	regDeviceFeaturesSel  = 0x014
	regDriverFeatures     = 0x020
	regDriverFeaturesSel  = 0x024
	regQueueSel           = 0x030
	regQueueNumMax        = 0x034
	regQueueNum           = 0x038
	regQueueReady         = 0x044
	regQueueNotify        = 0x050
	regInterruptStatus    = 0x060
	regInterruptAck       = 0x064
	regStatus             = 0x070
	regQueueDescLow       = 0x080
	regQueueDescHigh      = 0x084
	regQueueAvailLow      = 0x090
	regQueueAvailHigh     = 0x094
	regQueueUsedLow       = 0x0a0
	regQueueUsedHigh      = 0x0a4
	regConfigGeneration   = 0x0fc
	regConfig             = 0x100

	// QueueNumMax is the maximum descriptor-ring size this VMM offers a
	// driver for any queue.
	QueueNumMax = 256
)

// Transport wires a virtio.Device to the MMIO register map. The device
// raises irq itself when it posts a used buffer; the transport latches
// interrupt-status when irq is high after a queue notify it forwarded, and
// lowers irq on interrupt-ack.
type Transport struct {
	mu sync.Mutex

	base, width uint64
	irq         *irqline.Line
	dev         virtio.Device
	log         logrus.FieldLogger

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueIndex       uint32
	interruptPending bool
}

// New constructs a transport for dev, occupying [base, base+width) of MMIO
// space and signaling irq on interrupt.
func New(base, width uint64, irq *irqline.Line, dev virtio.Device, log logrus.FieldLogger) *Transport {
	return &Transport{base: base, width: width, irq: irq, dev: dev, log: log}
}

func (t *Transport) BaseAddr() uint64     { return t.base }
func (t *Transport) Width() uint64        { return t.width }
func (t *Transport) Device() virtio.Device { return t.dev }

func (t *Transport) selectedQueue() *virtqueue.Queue {
	if int(t.queueIndex) >= t.dev.NumQueues() {
		return nil
	}

	return t.dev.Queue(int(t.queueIndex))
}

func (t *Transport) Read(offset uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case regMagicValue:
		putU32(data, MagicValue)
	case regVersion:
		putU32(data, Version)
	case regDeviceID:
		putU32(data, t.dev.DeviceID())
	case regVendorID:
		putU32(data, VendorID)
	case regStatus:
		putU32(data, uint32(t.dev.StatusByte()))
	case regDeviceFeatures:
		shift := uint(0)
		if t.deviceFeatureSel == 1 {
			shift = 32
		}

		putU32(data, uint32(t.dev.DeviceFeatures()>>shift))
	case regQueueNumMax:
		putU32(data, QueueNumMax)
	case regQueueReady:
		if q := t.selectedQueue(); q != nil && q.IsReady() {
			putU32(data, 1)
		} else {
			putU32(data, 0)
		}
	case regConfigGeneration:
		putU32(data, t.dev.ConfigGeneration())
	case regInterruptStatus:
		if t.interruptPending {
			putU32(data, 1)
		} else {
			putU32(data, 0)
		}
	case regDeviceFeaturesSel, regDriverFeatures, regDriverFeaturesSel,
		regQueueSel, regQueueNum, regQueueNotify, regInterruptAck,
		regQueueDescLow, regQueueDescHigh, regQueueAvailLow, regQueueAvailHigh,
		regQueueUsedLow, regQueueUsedHigh:
		t.logf("read of write-only register %#x", offset)
	default:
		if offset >= regConfig {
			copy(data, t.dev.ReadConfig(uint32(offset-regConfig), uint32(len(data))))

			return
		}

		t.logf("unhandled read at %#x", offset)
	}
}

func (t *Transport) Write(offset uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	value := getU32(data)

	switch offset {
	case regMagicValue, regVersion, regDeviceID, regVendorID,
		regDeviceFeatures, regQueueNumMax, regInterruptStatus, regConfigGeneration:
		t.logf("write of read-only register %#x", offset)
	case regStatus:
		t.dev.WriteStatus(uint8(value))

		if value == 0 {
			t.deviceFeatureSel = 0
			t.driverFeatureSel = 0
			t.driverFeatures = 0
			t.queueIndex = 0
			t.interruptPending = false
		}
	case regDeviceFeaturesSel:
		t.deviceFeatureSel = value
	case regDriverFeatures:
		shift := uint(0)
		if t.driverFeatureSel == 1 {
			shift = 32
		}

		t.driverFeatures |= uint64(value) << shift
	case regDriverFeaturesSel:
		t.driverFeatureSel = value
	case regQueueSel:
		t.queueIndex = value
	case regQueueNum:
		if q := t.selectedQueue(); q != nil {
			q.Size = value
		}
	case regQueueReady:
		if q := t.selectedQueue(); q != nil && value != 0 {
			q.SetReady()
		}
	case regQueueNotify:
		t.notifyLocked(int(value))
	case regQueueDescLow:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.DescAddr |= uint64(value) })
	case regQueueDescHigh:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.DescAddr |= uint64(value) << 32 })
	case regQueueAvailLow:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.AvailAddr |= uint64(value) })
	case regQueueAvailHigh:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.AvailAddr |= uint64(value) << 32 })
	case regQueueUsedLow:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.UsedAddr |= uint64(value) })
	case regQueueUsedHigh:
		t.setQueueAddr(func(q *virtqueue.Queue) { q.UsedAddr |= uint64(value) << 32 })
	case regInterruptAck:
		if value&0x1 != 0 {
			t.interruptPending = false

			if t.irq != nil {
				t.irq.Lower()
			}
		}
	default:
		if offset >= regConfig {
			t.dev.WriteConfig(uint32(offset-regConfig), data)

			return
		}

		t.logf("unhandled write at %#x", offset)
	}
}

func (t *Transport) setQueueAddr(set func(*virtqueue.Queue)) {
	q := t.selectedQueue()
	if q == nil {
		return
	}

	set(q)
}

// notifyLocked services queue index and, if the device raised its
// interrupt line as a result, latches interrupt-status for the next poll.
func (t *Transport) notifyLocked(index int) {
	if index < 0 || index >= t.dev.NumQueues() {
		t.logf("notify of out-of-range queue %d", index)

		return
	}

	t.dev.Queue(index).SetNotify()
	t.dev.Notify(index)

	if t.irq != nil && t.irq.Level() {
		t.interruptPending = true
	}
}

func (t *Transport) logf(format string, args ...interface{}) {
	if t.log == nil {
		return
	}

	t.log.Warnf("mmio: "+format, args...)
}

func putU32(data []byte, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
}

func getU32(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)

	return binary.LittleEndian.Uint32(buf[:])
}
