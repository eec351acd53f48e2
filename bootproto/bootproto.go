// Package bootproto parses the Linux x86 boot protocol's setup_header,
// the part of a bzImage a VMM needs to find where the protected-mode
// kernel code starts in the file and to steer the firmware-compatibility
// fields the kernel checks during early boot.
//
// https://www.kernel.org/doc/html/latest/x86/boot.html
package bootproto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// headerOffset is where setup_header begins within a bzImage file.
	headerOffset = 0x1f1

	magicSignature = 0x53726448
)

var ErrSignatureMismatch = errors.New("bootproto: bzImage setup_header magic mismatch")

// Header mirrors struct setup_header.
type Header struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	HdrMagic            uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// New reads and validates the setup_header embedded in a bzImage.
func New(kernel io.ReaderAt) (*Header, error) {
	raw := make([]byte, 0x1000-headerOffset)
	if _, err := kernel.ReadAt(raw, headerOffset); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "bootproto: read setup_header")
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "bootproto: decode setup_header")
	}

	if h.HdrMagic != magicSignature {
		return nil, ErrSignatureMismatch
	}

	return h, nil
}

// KernelOffset is where the protected-mode kernel code begins in the
// bzImage file, per the boot protocol: (setup_sects+1)*512, with
// setup_sects==0 meaning the historical default of 4.
func (h *Header) KernelOffset() int64 {
	sects := h.SetupSects
	if sects == 0 {
		sects = 4
	}

	return int64(sects+1) * 512
}
