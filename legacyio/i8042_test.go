package legacyio_test

import (
	"testing"

	"github.com/kvmlite/vmm/legacyio"
)

func TestKeyboardControllerDirectWriteAcksWithFA(t *testing.T) {
	t.Parallel()

	k := legacyio.NewKeyboardController(nil)

	if err := k.Write(0x60, []byte{0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got [1]byte
	if err := k.Read(0x60, got[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got[0] != 0xfa {
		t.Fatalf("ack byte = %#x, want 0xfa", got[0])
	}
}

func TestKeyboardControllerReadCtr(t *testing.T) {
	t.Parallel()

	k := legacyio.NewKeyboardController(nil)

	if err := k.Write(0x64, []byte{0x20}); err != nil { // CMD_READ_CTR
		t.Fatalf("Write command: %v", err)
	}

	var got [1]byte
	if err := k.Read(0x60, got[:]); err != nil {
		t.Fatalf("Read data: %v", err)
	}

	const wantControl = 0x04 | 0x01 // CB_POST_OK | CB_KBD_INT
	if got[0] != wantControl {
		t.Fatalf("control byte = %#x, want %#x", got[0], wantControl)
	}
}

func TestKeyboardControllerResetClearsStatus(t *testing.T) {
	t.Parallel()

	k := legacyio.NewKeyboardController(nil)

	if err := k.Write(0x64, []byte{0xff}); err != nil { // CMD_RESET_KBD
		t.Fatalf("Write command: %v", err)
	}

	var got [1]byte
	if err := k.Read(0x64, got[:]); err != nil {
		t.Fatalf("Read status: %v", err)
	}

	if got[0] != 0 {
		t.Fatalf("status byte = %#x, want 0", got[0])
	}
}
