package bootproto_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kvmlite/vmm/bootproto"
)

const headerOffset = 0x1f1

// syntheticBzImage builds the minimal header prefix bootproto.New reads:
// headerOffset bytes of padding followed by a setup_header with setupSects
// and the protocol magic set.
func syntheticBzImage(setupSects uint8) []byte {
	buf := make([]byte, 0x1000)

	h := bootproto.Header{SetupSects: setupSects, HdrMagic: 0x53726448}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, h); err != nil {
		panic(err)
	}

	copy(buf[headerOffset:], out.Bytes())

	return buf
}

func TestNewParsesSetupHeader(t *testing.T) {
	t.Parallel()

	h, err := bootproto.New(bytes.NewReader(syntheticBzImage(30)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if h.SetupSects != 30 {
		t.Fatalf("SetupSects = %d, want 30", h.SetupSects)
	}
}

func TestNewRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0x1000)

	if _, err := bootproto.New(bytes.NewReader(buf)); !errors.Is(err, bootproto.ErrSignatureMismatch) {
		t.Fatalf("New: got %v, want ErrSignatureMismatch", err)
	}
}

func TestKernelOffsetDefaultsWhenZero(t *testing.T) {
	t.Parallel()

	h, err := bootproto.New(bytes.NewReader(syntheticBzImage(0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := h.KernelOffset(), int64(5*512); got != want {
		t.Fatalf("KernelOffset = %d, want %d", got, want)
	}
}

func TestKernelOffsetFromSetupSects(t *testing.T) {
	t.Parallel()

	h, err := bootproto.New(bytes.NewReader(syntheticBzImage(30)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := h.KernelOffset(), int64(31*512); got != want {
		t.Fatalf("KernelOffset = %d, want %d", got, want)
	}
}
