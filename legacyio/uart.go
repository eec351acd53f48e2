// Package legacyio implements the legacy boot-time I/O devices a minimal
// x86 guest expects to find: 16550 UARTs, an i8042 keyboard controller,
// and an MC146818 RTC.
package legacyio

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/irqline"
)

// UART register offsets, relative to the device's 8-port window.
const (
	regData = 0
	regIER  = 1
	regIIR  = 2
	regFCR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7

	dlabLow  = 0
	dlabHigh = 1
)

const (
	ierRecvBit = 0x01
	ierThrBit  = 0x02
	ierFIFOBits = 0x0f

	iirFIFOBits = 0xc0
	iirNoneBit  = 0x01
	iirThrBit   = 0x02
	iirRecvBit  = 0x04

	lcrDLABBit = 0x80

	lsrDataBit  = 0x01
	lsrBreakBit = 0x10
	lsrEmptyBit = 0x20
	lsrIdleBit  = 0x40

	mcrLoopBit = 0x10

	fifoLen = 64
)

// Standard PC COM port base addresses.
const (
	COM1 = 0x3f8
	COM2 = 0x2f8
	COM3 = 0x3e8
	COM4 = 0x2e8
)

// UART models one 16550-compatible serial port.
type UART struct {
	mu sync.Mutex

	base uint64
	irq  *irqline.Line
	out  io.Writer
	log  logrus.FieldLogger

	baudDivisor uint16

	ier uint8
	iir uint8
	fcr uint8
	lcr uint8
	mcr uint8
	lsr uint8
	msr uint8
	scr uint8

	rxBuf        [fifoLen]byte
	rxCount      int
	rxRead       int
	txBuf        [fifoLen]byte
	txCount      int
}

// NewUART constructs a UART at the given I/O port base, writing transmitted
// bytes to out and raising irq on RX-ready / THR-empty conditions.
func NewUART(base uint64, irq *irqline.Line, out io.Writer, log logrus.FieldLogger) *UART {
	return &UART{
		base: base,
		irq:  irq,
		out:  out,
		log:  log,
		mcr:  0x08,
		lsr:  lsrEmptyBit | lsrIdleBit,
		msr:  0x20 | 0x10 | 0x80,
	}
}

func (u *UART) IOPort() uint64 { return u.base }
func (u *UART) Size() uint64   { return 8 }

func (u *UART) dlabSet() bool { return u.lcr&lcrDLABBit != 0 }
func (u *UART) loopback() bool { return u.mcr&mcrLoopBit != 0 }

func (u *UART) Read(port uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	offset := port - u.base

	if u.dlabSet() {
		switch offset {
		case dlabLow:
			data[0] = byte(u.baudDivisor)
			u.updateIRQLocked()

			return nil
		case dlabHigh:
			data[0] = byte(u.baudDivisor >> 8)
			u.updateIRQLocked()

			return nil
		}
	}

	switch offset {
	case regData:
		if u.rxCount == u.rxRead {
			break
		}

		if u.lsr&lsrBreakBit != 0 {
			u.lsr &^= lsrBreakBit
			data[0] = 0

			break
		}

		data[0] = u.rxBuf[u.rxRead]
		u.rxRead++

		if u.rxCount == u.rxRead {
			u.lsr &^= lsrDataBit
			u.rxCount, u.rxRead = 0, 0
		}
	case regIER:
		data[0] = u.ier
	case regIIR:
		data[0] = u.iir | iirFIFOBits
	case regLCR:
		data[0] = u.lcr
	case regMCR:
		data[0] = u.mcr
	case regLSR:
		data[0] = u.lsr
	case regMSR:
		data[0] = u.msr
	case regSCR:
		data[0] = u.scr
	}

	u.updateIRQLocked()

	return nil
}

func (u *UART) Write(port uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	offset := port - u.base

	if u.dlabSet() {
		switch offset {
		case dlabLow:
			u.baudDivisor = (u.baudDivisor & 0xff00) | uint16(data[0])
			u.updateIRQLocked()

			return nil
		case dlabHigh:
			u.baudDivisor = (u.baudDivisor & 0x00ff) | uint16(data[0])<<8
			u.updateIRQLocked()

			return nil
		}
	}

	switch offset {
	case regData:
		if u.loopback() {
			if u.rxCount < fifoLen {
				u.rxBuf[u.rxCount] = data[0]
				u.rxCount++
				u.lsr |= lsrDataBit
			}

			break
		}

		if u.txCount < fifoLen {
			u.txBuf[u.txCount] = data[0]
			u.txCount++
			u.lsr &^= lsrIdleBit

			if u.txCount == fifoLen/2 {
				u.lsr &^= lsrEmptyBit
			}

			u.flushTXLocked()
		} else {
			u.lsr &^= lsrEmptyBit | lsrIdleBit
		}
	case regIER:
		u.ier = data[0] & ierFIFOBits
	case regFCR:
		u.fcr = data[0]
	case regLCR:
		u.lcr = data[0]
	case regMCR:
		u.mcr = data[0]
	case regLSR:
		// factory test, ignored
	case regMSR:
		// not used
	case regSCR:
		u.scr = data[0]
	}

	u.updateIRQLocked()

	return nil
}

func (u *UART) flushTXLocked() {
	u.lsr |= lsrEmptyBit | lsrIdleBit

	if u.txCount == 0 {
		return
	}

	if u.out != nil && !u.loopback() {
		if _, err := u.out.Write(u.txBuf[:u.txCount]); err != nil && u.log != nil {
			u.log.WithError(err).Warn("legacyio: uart tx flush failed")
		}
	}

	u.txCount = 0
}

func (u *UART) updateIRQLocked() {
	var tmp uint8

	if u.ier&ierRecvBit != 0 && u.lsr&lsrDataBit != 0 {
		tmp |= iirRecvBit
	}

	if u.ier&ierThrBit != 0 && u.lsr&lsrIdleBit != 0 {
		tmp |= iirThrBit
	}

	if tmp == 0 {
		u.iir = iirNoneBit

		if u.irq != nil {
			u.irq.Lower()
		}
	} else {
		u.iir = tmp

		if u.irq != nil {
			if err := u.irq.Raise(); err != nil && u.log != nil {
				u.log.WithError(err).Warn("legacyio: uart irq raise failed")
			}
		}
	}

	if u.ier&ierThrBit == 0 {
		u.flushTXLocked()
	}
}

// FillRX pushes host-read bytes into the RX FIFO, up to its capacity, and
// re-evaluates the interrupt line. Intended to be driven by a terminal
// reader goroutine.
func (u *UART) FillRX(bytes []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, b := range bytes {
		if u.rxCount >= fifoLen {
			break
		}

		u.rxBuf[u.rxCount] = b
		u.rxCount++
		u.lsr |= lsrDataBit
	}

	u.updateIRQLocked()
}
