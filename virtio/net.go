package virtio

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtqueue"
)

const (
	netQueueRx = 0
	netQueueTx = 1
	netQueueCtrl = 2

	// virtioNetHdrSize is the 12-byte virtio_net_hdr (the VIRTIO_F_VERSION_1
	// layout, num_buffers included) every frame is prefixed with on both rx
	// and tx.
	virtioNetHdrSize = 12

	maxFrameSize = 65536
)

// macAddr is the fixed locally-administered address this VMM advertises.
var macAddr = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// Net is the network backend: rx/tx/ctrl queues over a host tap device.
type Net struct {
	Base

	tap io.ReadWriter
	irq *irqline.Line
	log logrus.FieldLogger

	stop   chan struct{}
	txKick chan struct{}
}

func NewNet(mem []byte, t io.ReadWriter, irq *irqline.Line, log logrus.FieldLogger) *Net {
	return &Net{
		Base:   NewBase(mem, 3, virtqueue.QueueSizeMax),
		tap:    t,
		irq:    irq,
		log:    log,
		stop:   make(chan struct{}),
		txKick: make(chan struct{}, 1),
	}
}

func (n *Net) DeviceID() uint32 { return DeviceIDNet }

func (n *Net) DeviceFeatures() uint64 {
	return FVersion1 | FNetMAC | FNetCSUM |
		FNetHostTSO4 | FNetHostTSO6 | FNetHostUFO |
		FNetGuestTSO4 | FNetGuestTSO6 | FNetGuestUFO
}

func (n *Net) ReadConfig(offset, length uint32) []byte {
	if offset+length > uint32(len(macAddr)) {
		return nil
	}

	return macAddr[offset : offset+length]
}

func (n *Net) WriteConfig(uint32, []byte) { n.bumpGeneration() }

// Notify wakes the relevant worker goroutine: a kicked ctrl queue is
// acknowledged inline, and a kicked tx queue wakes TxLoop out of its blocked
// wait. Rx has no notify path of its own; it's driven by tap reads.
func (n *Net) Notify(index int) {
	switch index {
	case netQueueCtrl:
		n.ackCtrl()
	case netQueueTx:
		select {
		case n.txKick <- struct{}{}:
		default:
		}
	}
}

func (n *Net) ackCtrl() {
	q := n.Queue(netQueueCtrl)

	for {
		head, ok := q.Next()
		if !ok {
			return
		}

		q.AddUsed(uint32(head), 0)
	}
}

// Stop terminates RxLoop/TxLoop.
func (n *Net) Stop() { close(n.stop) }

// RxLoop reads frames from the tap device and scatters each one across the
// next available rx descriptor chain, raising the IRQ after every frame.
func (n *Net) RxLoop() {
	frame := make([]byte, maxFrameSize)

	for {
		select {
		case <-n.stop:
			return
		default:
		}

		nread, err := n.tap.Read(frame)
		if err != nil {
			continue
		}

		n.rxOnce(frame[:nread])
	}
}

// rxOnce scatters one already-read frame across the next available rx
// descriptor chain. It blocks by spinning on q.Next() if the guest has not
// yet published a buffer; callers drive it from RxLoop.
func (n *Net) rxOnce(packet []byte) {
	q := n.Queue(netQueueRx)

	head, ok := q.Next()
	for !ok {
		select {
		case <-n.stop:
			return
		default:
		}

		head, ok = q.Next()
	}

	written := uint32(0)
	remaining := make([]byte, virtioNetHdrSize, virtioNetHdrSize+len(packet))
	remaining = append(remaining, packet...)

	err := q.Chain(head, func(buf []byte, writable bool) error {
		if !writable || len(remaining) == 0 {
			return nil
		}

		copied := copy(buf, remaining)
		remaining = remaining[copied:]
		written += uint32(copied)

		return nil
	})
	if err != nil {
		n.log.WithError(err).Warn("virtio-net: rx scatter failed")
	}

	q.AddUsed(uint32(head), written)

	if n.irq != nil {
		if err := n.irq.Raise(); err != nil {
			n.log.WithError(err).Warn("virtio-net: irq raise failed")
		}
	}
}

// TxLoop gathers a descriptor chain from the tx queue into a scratch
// buffer and writes the Ethernet frame (stripped of the leading
// virtio_net_hdr) to the tap device. It blocks on txKick between batches
// rather than polling, waking only when the driver actually kicks the tx
// queue or the device is stopped.
func (n *Net) TxLoop() {
	for {
		select {
		case <-n.stop:
			return
		case <-n.txKick:
		}

		for n.txOnce() {
		}
	}
}

// txOnce gathers and transmits one available tx descriptor chain. It
// returns false if the guest has nothing queued.
func (n *Net) txOnce() bool {
	q := n.Queue(netQueueTx)

	head, ok := q.Next()
	if !ok {
		return false
	}

	scratch := make([]byte, maxFrameSize)
	total := 0

	err := q.Chain(head, func(buf []byte, writable bool) error {
		if writable {
			return nil
		}

		total += copy(scratch[total:], buf)

		return nil
	})
	if err != nil {
		n.log.WithError(err).Warn("virtio-net: tx gather failed")
	}

	var sent int

	if total > virtioNetHdrSize {
		sent, err = n.tap.Write(scratch[virtioNetHdrSize:total])
		if err != nil {
			n.log.WithError(err).Warn("virtio-net: tap write failed")

			sent = 0
		}
	}

	q.AddUsed(uint32(head), uint32(sent))

	if n.irq != nil {
		if err := n.irq.Raise(); err != nil {
			n.log.WithError(err).Warn("virtio-net: irq raise failed")
		}
	}

	return true
}
