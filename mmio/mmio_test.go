package mmio_test

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/mmio"
	"github.com/kvmlite/vmm/virtio"
)

func TestTransportMagicVersionVendor(t *testing.T) {
	t.Parallel()

	dev := virtio.NewRNG(make([]byte, 0x1000), nil, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, nil, dev, logrus.New())

	var buf [4]byte

	tr.Read(0x000, buf[:])
	if got := binary.LittleEndian.Uint32(buf[:]); got != mmio.MagicValue {
		t.Fatalf("magic = %#x, want %#x", got, mmio.MagicValue)
	}

	tr.Read(0x004, buf[:])
	if got := binary.LittleEndian.Uint32(buf[:]); got != mmio.Version {
		t.Fatalf("version = %d, want %d", got, mmio.Version)
	}

	tr.Read(0x00c, buf[:])
	if got := binary.LittleEndian.Uint32(buf[:]); got != mmio.VendorID {
		t.Fatalf("vendor id = %#x, want %#x", got, mmio.VendorID)
	}
}

func TestTransportDeviceIDMatchesBackend(t *testing.T) {
	t.Parallel()

	dev := virtio.NewRNG(make([]byte, 0x1000), nil, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, nil, dev, logrus.New())

	var buf [4]byte

	tr.Read(0x008, buf[:])
	if got := binary.LittleEndian.Uint32(buf[:]); got != virtio.DeviceIDRNG {
		t.Fatalf("device id = %d, want %d", got, virtio.DeviceIDRNG)
	}
}

func TestTransportStatusRoundTrips(t *testing.T) {
	t.Parallel()

	dev := virtio.NewRNG(make([]byte, 0x1000), nil, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, nil, dev, logrus.New())

	var write [4]byte
	binary.LittleEndian.PutUint32(write[:], virtio.StatusAcknowledge|virtio.StatusDriver)
	tr.Write(0x070, write[:])

	var read [4]byte
	tr.Read(0x070, read[:])

	if got := binary.LittleEndian.Uint32(read[:]); got != virtio.StatusAcknowledge|virtio.StatusDriver {
		t.Fatalf("status = %#x, want %#x", got, virtio.StatusAcknowledge|virtio.StatusDriver)
	}
}

func TestTransportInterruptAckClearsLine(t *testing.T) {
	t.Parallel()

	irq, err := irqline.New(7)
	if err != nil {
		t.Fatalf("irqline.New: %v", err)
	}
	defer irq.Close()

	if err := irq.Raise(); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	dev := virtio.NewRNG(make([]byte, 0x1000), irq, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, irq, dev, logrus.New())

	var ack [4]byte
	binary.LittleEndian.PutUint32(ack[:], 1)
	tr.Write(0x064, ack[:])

	var status [4]byte
	tr.Read(0x060, status[:])

	if binary.LittleEndian.Uint32(status[:]) != 0 {
		t.Fatalf("interrupt-status still set after ack")
	}

	if irq.Level() {
		t.Fatalf("irq level still raised after ack")
	}
}

func TestTransportQueueSelOutOfRangeIsIgnored(t *testing.T) {
	t.Parallel()

	dev := virtio.NewRNG(make([]byte, 0x1000), nil, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, nil, dev, logrus.New())

	var sel [4]byte
	binary.LittleEndian.PutUint32(sel[:], 99)
	tr.Write(0x030, sel[:])

	var ready [4]byte
	binary.LittleEndian.PutUint32(ready[:], 1)
	tr.Write(0x044, ready[:]) // should not panic despite the bogus selector
}
