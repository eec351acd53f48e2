package virtio_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtio"
	"github.com/kvmlite/vmm/virtqueue"
)

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
	testBufAddr   = 0x4000
)

func pushChain(mem []byte, q *virtqueue.Queue, descs []virtqueue.Desc, availSlot uint16) {
	for i, d := range descs {
		off := testDescAddr + i*16
		binary.LittleEndian.PutUint64(mem[off:], d.Addr)
		binary.LittleEndian.PutUint32(mem[off+8:], d.Len)
		binary.LittleEndian.PutUint16(mem[off+12:], d.Flags)
		binary.LittleEndian.PutUint16(mem[off+14:], d.Next)
	}

	binary.LittleEndian.PutUint16(mem[testAvailAddr+4+uint64Off(availSlot):], 0)
	binary.LittleEndian.PutUint16(mem[testAvailAddr+2:], availSlot+1)
}

func uint64Off(slot uint16) uint64 { return uint64(slot) * 2 }

func newTestBlk(t *testing.T, fileSize int) (*virtio.Blk, []byte) {
	t.Helper()

	mem := make([]byte, 0x100000)

	f, err := os.CreateTemp("", "blk-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	t.Cleanup(func() { os.Remove(f.Name()) })

	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(i)
	}

	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f.Close()

	irq, err := irqline.New(10)
	if err != nil {
		t.Fatalf("irqline.New: %v", err)
	}

	t.Cleanup(func() { irq.Close() })

	b, err := virtio.NewBlk(f.Name(), mem, irq, logrus.New())
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}

	// Rebind the queue the test drives to our fixed fixture addresses.
	q := b.Queue(0)
	q.DescAddr = testDescAddr
	q.AvailAddr = testAvailAddr
	q.UsedAddr = testUsedAddr
	q.SetReady()
	q.SetNotify()

	return b, mem
}

func TestBlkDeviceID(t *testing.T) {
	t.Parallel()

	b, _ := newTestBlk(t, 1024)
	if b.DeviceID() != virtio.DeviceIDBlock {
		t.Fatalf("DeviceID() = %d, want %d", b.DeviceID(), virtio.DeviceIDBlock)
	}
}

func TestBlkReadWritesStatusOK(t *testing.T) {
	t.Parallel()

	b, mem := newTestBlk(t, 1024)
	q := b.Queue(0)

	// header
	binary.LittleEndian.PutUint32(mem[0:4], 0) // IN
	binary.LittleEndian.PutUint64(mem[8:16], 0)

	pushChain(mem, q, []virtqueue.Desc{
		{Addr: 0, Len: 16, Flags: virtqueue.DescFNext, Next: 1},
		{Addr: testBufAddr, Len: 512, Flags: virtqueue.DescFNext | virtqueue.DescFWrite, Next: 2},
		{Addr: testBufAddr + 512, Len: 1, Flags: virtqueue.DescFWrite},
	}, 0)

	mem[testBufAddr+512] = 0xff // poison status byte

	b.Notify(0)

	if mem[testBufAddr+512] != 0 {
		t.Fatalf("status byte = %d, want 0 (OK)", mem[testBufAddr+512])
	}

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}

	if !bytes.Equal(mem[testBufAddr:testBufAddr+512], want) {
		t.Fatalf("data not read from sector 0")
	}
}

func TestBlkGetID(t *testing.T) {
	t.Parallel()

	b, mem := newTestBlk(t, 1024)
	q := b.Queue(0)

	binary.LittleEndian.PutUint32(mem[0:4], 8) // GET_ID

	pushChain(mem, q, []virtqueue.Desc{
		{Addr: 0, Len: 16, Flags: virtqueue.DescFNext, Next: 1},
		{Addr: testBufAddr, Len: 32, Flags: virtqueue.DescFNext | virtqueue.DescFWrite, Next: 2},
		{Addr: testBufAddr + 32, Len: 1, Flags: virtqueue.DescFWrite},
	}, 0)

	b.Notify(0)

	want := "kthxvmkthxvmkthxvmdisk\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"
	if got := string(mem[testBufAddr : testBufAddr+32]); got != want {
		t.Fatalf("identity = %q, want %q", got, want)
	}

	if mem[testBufAddr+32] != 0 {
		t.Fatalf("GET_ID status byte = %d, want 0", mem[testBufAddr+32])
	}
}
