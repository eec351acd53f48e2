package legacyio_test

import (
	"testing"

	"github.com/kvmlite/vmm/legacyio"
)

func TestRTCRegCAndDReadOnly(t *testing.T) {
	t.Parallel()

	r := legacyio.NewRTC()

	if err := r.Write(0x70, []byte{0x0c}); err != nil { // select REG_C
		t.Fatalf("Write index: %v", err)
	}

	if err := r.Write(0x71, []byte{0xaa}); err != nil {
		t.Fatalf("Write data: %v", err)
	}

	var got [1]byte
	if err := r.Read(0x71, got[:]); err != nil {
		t.Fatalf("Read data: %v", err)
	}

	if got[0] == 0xaa {
		t.Fatalf("REG_C accepted a write, want read-only")
	}
}

func TestRTCCustomCMOSByteRoundTrips(t *testing.T) {
	t.Parallel()

	r := legacyio.NewRTC()

	if err := r.Write(0x70, []byte{0x20}); err != nil { // arbitrary general-purpose offset
		t.Fatalf("Write index: %v", err)
	}

	if err := r.Write(0x71, []byte{0x42}); err != nil {
		t.Fatalf("Write data: %v", err)
	}

	var got [1]byte
	if err := r.Read(0x71, got[:]); err != nil {
		t.Fatalf("Read data: %v", err)
	}

	if got[0] != 0x42 {
		t.Fatalf("cmos byte = %#x, want 0x42", got[0])
	}
}

func TestRTCSecondsIsBCDEncoded(t *testing.T) {
	t.Parallel()

	r := legacyio.NewRTC()

	if err := r.Write(0x70, []byte{0x00}); err != nil { // RTC_SECONDS
		t.Fatalf("Write index: %v", err)
	}

	var got [1]byte
	if err := r.Read(0x71, got[:]); err != nil {
		t.Fatalf("Read data: %v", err)
	}

	hi, lo := got[0]>>4, got[0]&0x0f
	if hi > 9 || lo > 9 {
		t.Fatalf("seconds byte %#x is not valid BCD", got[0])
	}
}
