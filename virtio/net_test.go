package virtio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtqueue"
)

const (
	netTestDescAddr  = 0x1000
	netTestAvailAddr = 0x2000
	netTestUsedAddr  = 0x3000
	netTestBufAddr   = 0x4000
)

type loopbackTap struct {
	written [][]byte
}

func (l *loopbackTap) Read([]byte) (int, error) { return 0, io.EOF }
func (l *loopbackTap) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	l.written = append(l.written, cp)

	return len(buf), nil
}

func newNetQueue(mem []byte, index int, n *Net) *virtqueue.Queue {
	q := n.Queue(index)
	q.DescAddr = netTestDescAddr
	q.AvailAddr = netTestAvailAddr
	q.UsedAddr = netTestUsedAddr
	q.SetReady()
	q.SetNotify()

	return q
}

func writeDesc(mem []byte, i int, d virtqueue.Desc) {
	off := netTestDescAddr + i*16
	binary.LittleEndian.PutUint64(mem[off:], d.Addr)
	binary.LittleEndian.PutUint32(mem[off+8:], d.Len)
	binary.LittleEndian.PutUint16(mem[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem[off+14:], d.Next)
}

func TestNetDeviceID(t *testing.T) {
	t.Parallel()

	n := NewNet(make([]byte, 0x1000), &loopbackTap{}, nil, logrus.New())
	if n.DeviceID() != DeviceIDNet {
		t.Fatalf("DeviceID() = %d, want %d", n.DeviceID(), DeviceIDNet)
	}
}

func TestNetReadConfigMAC(t *testing.T) {
	t.Parallel()

	n := NewNet(make([]byte, 0x1000), &loopbackTap{}, nil, logrus.New())

	mac := n.ReadConfig(0, 6)
	if len(mac) != 6 {
		t.Fatalf("ReadConfig returned %d bytes, want 6", len(mac))
	}
}

func TestNetTxPublishesWrittenByteCount(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x100000)
	tp := &loopbackTap{}

	irq, err := irqline.New(9)
	if err != nil {
		t.Fatalf("irqline.New: %v", err)
	}
	defer irq.Close()

	n := NewNet(mem, tp, irq, logrus.New())
	newNetQueue(mem, netQueueTx, n)

	frame := append(make([]byte, virtioNetHdrSize), []byte("hello")...)
	copy(mem[netTestBufAddr:], frame)

	writeDesc(mem, 0, virtqueue.Desc{Addr: netTestBufAddr, Len: uint32(len(frame))})
	binary.LittleEndian.PutUint16(mem[netTestAvailAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem[netTestAvailAddr+2:], 1)

	if !n.txOnce() {
		t.Fatalf("txOnce() = false, want true")
	}

	if len(tp.written) != 1 {
		t.Fatalf("tap received %d writes, want 1", len(tp.written))
	}

	if !bytes.Equal(tp.written[0], []byte("hello")) {
		t.Fatalf("tap payload = %q, want %q", tp.written[0], "hello")
	}

	length := binary.LittleEndian.Uint32(mem[netTestUsedAddr+8:])
	if length != uint32(len("hello")) {
		t.Fatalf("published tx used length = %d, want %d", length, len("hello"))
	}
}

func TestNetRxScattersFrame(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x100000)
	tp := &loopbackTap{}
	n := NewNet(mem, tp, nil, logrus.New())
	newNetQueue(mem, netQueueRx, n)

	writeDesc(mem, 0, virtqueue.Desc{Addr: netTestBufAddr, Len: 256, Flags: virtqueue.DescFWrite})
	binary.LittleEndian.PutUint16(mem[netTestAvailAddr+4:], 0)
	binary.LittleEndian.PutUint16(mem[netTestAvailAddr+2:], 1)

	n.rxOnce([]byte("world"))

	want := append(make([]byte, virtioNetHdrSize), []byte("world")...)
	if !bytes.Equal(mem[netTestBufAddr:netTestBufAddr+len(want)], want) {
		t.Fatalf("rx buffer = %x, want %x", mem[netTestBufAddr:netTestBufAddr+len(want)], want)
	}

	length := binary.LittleEndian.Uint32(mem[netTestUsedAddr+8:])
	if int(length) != len(want) {
		t.Fatalf("published rx used length = %d, want %d", length, len(want))
	}
}
