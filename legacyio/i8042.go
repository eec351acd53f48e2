package legacyio

import (
	"sync"

	"github.com/kvmlite/vmm/irqline"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64
)

const (
	cmdReadCtr  = 0x20
	cmdWriteCtr = 0x60
	cmdReadOutp = 0xd0
	cmdWriteOutp = 0xd1
	cmdResetCPU = 0xfe
	cmdResetKbd = 0xff
)

const (
	sbOutDataAvail = 0x01
	sbCmdData      = 0x08
	sbKbdEnabled   = 0x10

	cbKbdInt = 0x01
	cbPostOK = 0x04
)

const i8042BufSize = 16

// KeyboardController models the i8042 PS/2 controller: two ports, a small
// output FIFO, and the handful of commands a Linux guest probes at boot.
type KeyboardController struct {
	mu sync.Mutex

	irq *irqline.Line

	command uint8
	status  uint8
	control uint8
	outp    uint8

	buf        [i8042BufSize]uint8
	bufHead    uint32
	bufTail    uint32
}

func NewKeyboardController(irq *irqline.Line) *KeyboardController {
	return &KeyboardController{
		irq:     irq,
		status:  sbKbdEnabled,
		control: cbPostOK | cbKbdInt,
	}
}

func (k *KeyboardController) IOPort() uint64 { return i8042DataPort }
func (k *KeyboardController) Size() uint64   { return i8042CommandPort - i8042DataPort + 1 }

func (k *KeyboardController) Read(port uint64, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case i8042CommandPort:
		data[0] = k.status
	case i8042DataPort:
		data[0] = k.pop()

		if k.status&sbOutDataAvail != 0 {
			k.triggerIRQLocked()
		}
	}

	return nil
}

func (k *KeyboardController) Write(port uint64, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case i8042CommandPort:
		k.writeCommandLocked(data[0])
	case i8042DataPort:
		if k.status&sbCmdData != 0 {
			switch k.command {
			case cmdWriteCtr:
				k.control = data[0]
			case cmdWriteOutp:
				k.outp = data[0]
			}

			k.status &^= sbCmdData
		} else {
			k.flushLocked()
			k.push(0xfa)
			k.triggerIRQLocked()
		}
	}

	return nil
}

func (k *KeyboardController) writeCommandLocked(cmd uint8) {
	switch cmd {
	case cmdReadCtr:
		k.flushLocked()
		k.push(k.control)
	case cmdWriteCtr:
		k.flushLocked()
		k.status |= sbCmdData
		k.command = cmd
	case cmdReadOutp:
		k.flushLocked()
		k.push(k.outp)
	case cmdWriteOutp:
		k.status |= sbCmdData
		k.command = cmd
	case cmdResetCPU, cmdResetKbd:
		k.status = 0
	}
}

func (k *KeyboardController) triggerIRQLocked() {
	if k.irq == nil || k.control&cbKbdInt == 0 {
		return
	}

	_ = k.irq.Raise()
	k.irq.Lower()
}

func (k *KeyboardController) bufLen() uint32 { return k.bufTail - k.bufHead }

func (k *KeyboardController) pop() uint8 {
	if k.bufLen() == 0 {
		return 0
	}

	v := k.buf[k.bufHead%i8042BufSize]
	k.bufHead++

	if k.bufLen() == 0 {
		k.status &^= sbOutDataAvail
	}

	return v
}

func (k *KeyboardController) push(v uint8) {
	if k.bufLen() == i8042BufSize {
		return
	}

	k.status |= sbOutDataAvail
	k.buf[k.bufTail%i8042BufSize] = v
	k.bufTail++
}

func (k *KeyboardController) flushLocked() {
	k.bufHead, k.bufTail = 0, 0
	k.status &^= sbOutDataAvail
}
