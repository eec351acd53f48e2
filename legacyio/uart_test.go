package legacyio_test

import (
	"bytes"
	"testing"

	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/legacyio"
)

func TestUARTTransmitsToOutput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	u := legacyio.NewUART(legacyio.COM1, nil, &out, nil)

	if err := u.Write(legacyio.COM1, []byte{'h'}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.String() != "h" {
		t.Fatalf("output = %q, want %q", out.String(), "h")
	}
}

func TestUARTLoopbackDoesNotReachOutput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	u := legacyio.NewUART(legacyio.COM1, nil, &out, nil)

	// MCR offset 4: set loopback bit.
	if err := u.Write(legacyio.COM1+4, []byte{0x10}); err != nil {
		t.Fatalf("Write MCR: %v", err)
	}

	if err := u.Write(legacyio.COM1, []byte{'x'}); err != nil {
		t.Fatalf("Write DATA: %v", err)
	}

	if out.Len() != 0 {
		t.Fatalf("loopback byte reached output: %q", out.String())
	}

	var rx [1]byte
	if err := u.Read(legacyio.COM1, rx[:]); err != nil {
		t.Fatalf("Read DATA: %v", err)
	}

	if rx[0] != 'x' {
		t.Fatalf("looped-back byte = %q, want %q", rx[0], 'x')
	}
}

func TestUARTRaisesIRQOnFillRX(t *testing.T) {
	t.Parallel()

	irq, err := irqline.New(4)
	if err != nil {
		t.Fatalf("irqline.New: %v", err)
	}
	defer irq.Close()

	u := legacyio.NewUART(legacyio.COM1, irq, nil, nil)

	// Enable RX-ready interrupts (IER offset 1, bit 0).
	if err := u.Write(legacyio.COM1+1, []byte{0x01}); err != nil {
		t.Fatalf("Write IER: %v", err)
	}

	u.FillRX([]byte("a"))

	if !irq.Level() {
		t.Fatalf("irq level = false, want true after RX fill")
	}
}

func TestUARTDLABSwitchesToBaudDivisor(t *testing.T) {
	t.Parallel()

	u := legacyio.NewUART(legacyio.COM1, nil, nil, nil)

	// LCR offset 3: set DLAB.
	if err := u.Write(legacyio.COM1+3, []byte{0x80}); err != nil {
		t.Fatalf("Write LCR: %v", err)
	}

	if err := u.Write(legacyio.COM1, []byte{0x0c}); err != nil {
		t.Fatalf("Write DLAB_LOW: %v", err)
	}

	var got [1]byte
	if err := u.Read(legacyio.COM1, got[:]); err != nil {
		t.Fatalf("Read DLAB_LOW: %v", err)
	}

	if got[0] != 0x0c {
		t.Fatalf("baud divisor low byte = %#x, want 0xc", got[0])
	}
}
