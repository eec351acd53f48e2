package vmm

import (
	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/kvm"
)

// vcpu is one logical CPU's exit loop state: its fd, the mmap'd run area
// shared with the kernel, and whatever single-step/stop signaling the VM
// container drives it with.
type vcpu struct {
	id      int
	fd      uintptr
	run     *kvm.RunData
	runRaw  []byte
	vm      *VM
	log     logrus.FieldLogger
	stop    chan struct{}
	stopped chan struct{}
}

// runLoop enters the guest repeatedly, dispatching each exit until the vCPU
// is told to stop or hits a terminal condition of its own (HLT, an
// unrecognized exit reason).
func (c *vcpu) runLoop() {
	defer close(c.stopped)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if c.vm.singleStep {
			if err := kvm.SetGuestDebug(c.fd, kvm.GuestDebugEnable|kvm.GuestDebugSingleStep); err != nil {
				c.log.WithError(err).Error("vcpu: set guest debug failed")

				return
			}
		}

		if err := kvm.Run(c.fd); err != nil {
			c.log.WithError(err).Error("vcpu: KVM_RUN failed")

			return
		}

		if done := c.handleExit(); done {
			return
		}
	}
}

// handleExit classifies and services one guest exit. It returns true when
// this vCPU's loop should terminate.
func (c *vcpu) handleExit() bool {
	reason := kvm.ExitType(c.run.ExitReason)

	switch reason {
	case kvm.EXITIO:
		c.handleIO()

		return false

	case kvm.EXITMMIO:
		c.handleMMIO()

		return false

	case kvm.EXITHLT:
		c.log.WithField("cpu", c.id).Info("vcpu: halted")

		if c.id == 0 {
			c.vm.Stop()
		}

		return true

	case kvm.EXITDEBUG:
		exception, pc, dr6, dr7 := c.run.Debug()
		c.log.WithFields(logrus.Fields{
			"cpu": c.id, "exception": exception, "pc": pc, "dr6": dr6, "dr7": dr7, "insn": c.disasmAtRIP(),
		}).Debug("vcpu: debug trap")

		return false

	case kvm.EXITINTR:
		return false

	default:
		c.log.WithFields(logrus.Fields{"cpu": c.id, "reason": reason, "insn": c.disasmAtRIP()}).Error("vcpu: unhandled exit")

		return true
	}
}

func (c *vcpu) handleIO() {
	dir, size, port, count, dataOffset := c.run.IO()

	for i := uint32(0); i < count; i++ {
		off := dataOffset + uint64(i)*uint64(size)
		data := c.runRaw[off : off+uint64(size)]

		switch dir {
		case kvm.IODirIn:
			c.vm.bus.In(uint64(port), data)
		case kvm.IODirOut:
			c.vm.bus.Out(uint64(port), data)
		}
	}
}

func (c *vcpu) handleMMIO() {
	physAddr, data, length, isWrite := c.run.MMIO()

	buf := data[:length]

	if isWrite {
		c.vm.bus.MMIOWrite(physAddr, buf)
	} else {
		c.vm.bus.MMIORead(physAddr, buf)
	}
}
