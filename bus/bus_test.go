package bus_test

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/bus"
	"github.com/kvmlite/vmm/legacyio"
	"github.com/kvmlite/vmm/mmio"
	"github.com/kvmlite/vmm/virtio"
)

func TestBusDispatchesIOByRange(t *testing.T) {
	t.Parallel()

	b := bus.New(logrus.New(), 0x80)

	kbd := legacyio.NewKeyboardController(nil)
	b.AddIODevice(kbd)

	b.Out(0x60, []byte{0x00}) // direct write -> 0xFA ack queued

	var got [1]byte
	b.In(0x60, got[:])

	if got[0] != 0xfa {
		t.Fatalf("ack byte = %#x, want 0xfa", got[0])
	}
}

func TestBusIgnoresAllowListedPortSilently(t *testing.T) {
	t.Parallel()

	b := bus.New(logrus.New(), 0x80)

	// Port 0x80 has no registered device; it must not be treated as an error.
	b.Out(0x80, []byte{0x01})

	var got [1]byte
	b.In(0x80, got[:])

	if got[0] != 0 {
		t.Fatalf("unmatched port returned %#x, want 0", got[0])
	}
}

func TestBusDispatchesMMIOByRange(t *testing.T) {
	t.Parallel()

	b := bus.New(logrus.New())

	dev := virtio.NewRNG(make([]byte, 0x1000), nil, logrus.New())
	tr := mmio.New(0xd0000000, 0x1000, nil, dev, logrus.New())
	b.AddMMIODevice(tr)

	var magic [4]byte
	b.MMIORead(0xd0000000, magic[:])

	if magic[0] == 0 && magic[1] == 0 && magic[2] == 0 && magic[3] == 0 {
		t.Fatalf("mmio read at transport base returned all zero")
	}
}

func TestBusUnmatchedMMIOIsNoop(t *testing.T) {
	t.Parallel()

	b := bus.New(logrus.New())

	var data [4]byte
	b.MMIORead(0xdeadbeef, data[:]) // must not panic
	b.MMIOWrite(0xdeadbeef, data[:])
}
