package virtio

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtqueue"
)

const (
	sectorSize = 512

	blkReqIn    = 0
	blkReqOut   = 1
	blkReqGetID = 8

	statusOK    = 0
	statusIOErr = 1

	// identityString is the device identity GET_ID reports, NUL-padded to
	// whatever length the guest's descriptor allows.
	identityString = "kthxvmkthxvmkthxvmdisk"
)

// Blk is the block device backend: one queue, a 16-byte request header per
// chain, and a backing file opened for random-access read/write.
type Blk struct {
	Base

	file *os.File
	irq  *irqline.Line
	log  logrus.FieldLogger
}

// NewBlk opens path as the backing store for a block device bound to mem,
// raising irq on every completed request.
func NewBlk(path string, mem []byte, irq *irqline.Line, log logrus.FieldLogger) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &Blk{
		Base: NewBase(mem, 1, virtqueue.QueueSizeMax),
		file: f,
		irq:  irq,
		log:  log,
	}, nil
}

func (b *Blk) DeviceID() uint32 { return DeviceIDBlock }

func (b *Blk) DeviceFeatures() uint64 {
	return FVersion1 | FBlkSizeMax | FBlkSegMax | FRingEventIdx
}

func (b *Blk) capacitySectors() uint64 {
	info, err := b.file.Stat()
	if err != nil {
		return 0
	}

	return uint64(info.Size()) / sectorSize
}

func (b *Blk) ReadConfig(offset, length uint32) []byte {
	cfg := make([]byte, 8+4+4) // capacity, size_max, seg_max
	binary.LittleEndian.PutUint64(cfg[0:], b.capacitySectors())
	binary.LittleEndian.PutUint32(cfg[8:], 1<<20)
	binary.LittleEndian.PutUint32(cfg[12:], uint32(virtqueue.QueueSizeMax-2))

	end := offset + length
	if int(end) > len(cfg) {
		end = uint32(len(cfg))
	}

	if int(offset) >= len(cfg) {
		return nil
	}

	return cfg[offset:end]
}

// WriteConfig exists to satisfy Device; block config space is read-only.
func (b *Blk) WriteConfig(offset uint32, data []byte) { b.bumpGeneration() }

type blkHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Notify services every available descriptor chain on the block queue,
// interpreting the head descriptor as a blkHeader and the remaining
// descriptors as the data/status buffers virtio defines for each request
// type.
func (b *Blk) Notify(index int) {
	if index != 0 {
		return
	}

	q := b.Queue(0)

	for {
		head, ok := q.Next()
		if !ok {
			return
		}

		b.serviceRequest(q, head)
	}
}

func (b *Blk) serviceRequest(q *virtqueue.Queue, head uint16) {
	var (
		hdr          blkHeader
		parsedHeader bool
		totalWritten uint32
		tail         []byte
	)

	err := q.Chain(head, func(buf []byte, writable bool) error {
		if !parsedHeader {
			hdr.Type = binary.LittleEndian.Uint32(buf[0:4])
			hdr.Reserved = binary.LittleEndian.Uint32(buf[4:8])
			hdr.Sector = binary.LittleEndian.Uint64(buf[8:16])
			parsedHeader = true

			return nil
		}

		switch hdr.Type {
		case blkReqIn:
			if writable {
				if len(buf) == 1 {
					tail = buf
					return nil
				}

				n, rerr := b.file.ReadAt(buf, int64(hdr.Sector)*sectorSize)
				totalWritten += uint32(n)

				if rerr != nil && rerr != io.EOF {
					return rerr
				}
			}
		case blkReqOut:
			if !writable {
				if _, werr := b.file.WriteAt(buf, int64(hdr.Sector)*sectorSize); werr != nil {
					return werr
				}
			} else {
				tail = buf
			}
		case blkReqGetID:
			if writable {
				if len(buf) == 1 {
					tail = buf
					return nil
				}

				n := copy(buf, identityString)
				for i := n; i < len(buf); i++ {
					buf[i] = 0
				}
			}
		}

		return nil
	})

	switch hdr.Type {
	case blkReqIn:
		if err != nil {
			b.log.WithError(err).Warn("virtio-blk: read failed")

			if len(tail) > 0 {
				tail[0] = statusIOErr
			}

			q.AddUsed(uint32(head), totalWritten+1)

			return
		}

		if len(tail) > 0 {
			tail[0] = statusOK
		}

		q.AddUsed(uint32(head), totalWritten+1)
	case blkReqOut:
		status := uint8(statusOK)
		if err != nil {
			b.log.WithError(err).Warn("virtio-blk: write failed")
			status = statusIOErr
		} else {
			_ = b.file.Sync()
		}

		if len(tail) > 0 {
			tail[0] = status
		}

		q.AddUsed(uint32(head), 1)
	case blkReqGetID:
		if len(tail) > 0 {
			tail[0] = statusOK
		}

		q.AddUsed(uint32(head), uint32(len(identityString)+1))
	default:
		b.log.WithField("type", hdr.Type).Warn("virtio-blk: unknown request type")
		return
	}

	if b.irq != nil {
		if err := b.irq.Raise(); err != nil {
			b.log.WithError(err).Warn("virtio-blk: irq raise failed")
		}
	}
}
