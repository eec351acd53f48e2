package virtio

import (
	"crypto/rand"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/virtqueue"
)

// RNG is the entropy-source backend: one queue, each descriptor filled with
// OS-sourced random bytes and published with the length actually written.
type RNG struct {
	Base

	irq *irqline.Line
	log logrus.FieldLogger
}

func NewRNG(mem []byte, irq *irqline.Line, log logrus.FieldLogger) *RNG {
	return &RNG{
		Base: NewBase(mem, 1, virtqueue.QueueSizeMax),
		irq:  irq,
		log:  log,
	}
}

func (r *RNG) DeviceID() uint32         { return DeviceIDRNG }
func (r *RNG) DeviceFeatures() uint64   { return FVersion1 }
func (r *RNG) ReadConfig(uint32, uint32) []byte { return nil }
func (r *RNG) WriteConfig(uint32, []byte)       { r.bumpGeneration() }

// Notify fills every available descriptor with random bytes and publishes
// its length unchanged, raising the IRQ once per serviced batch.
func (r *RNG) Notify(index int) {
	if index != 0 {
		return
	}

	q := r.Queue(0)
	serviced := false

	for {
		head, ok := q.Next()
		if !ok {
			break
		}

		var total uint32

		err := q.Chain(head, func(buf []byte, writable bool) error {
			if !writable {
				return nil
			}

			n, err := rand.Read(buf)
			total += uint32(n)

			return err
		})
		if err != nil {
			r.log.WithError(err).Warn("virtio-rng: read failed")
		}

		q.AddUsed(uint32(head), total)
		serviced = true
	}

	if serviced && r.irq != nil {
		if err := r.irq.Raise(); err != nil {
			r.log.WithError(err).Warn("virtio-rng: irq raise failed")
		}
	}
}
