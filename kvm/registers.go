package kvm

import "unsafe"

const (
	nrGetRegs  = 0x81
	nrSetRegs  = 0x82
	nrGetSregs = 0x83
	nrSetSregs = 0x84
	nrGetFPU   = 0x8c
	nrSetFPU   = 0x8d
	nrGetDebug = 0xa1
	nrSetDebug = 0xa2
)

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Typ                            uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	Padding                        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT pointers).
type Descriptor struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS     Segment
	TR, LDT                    Segment
	GDT, IDT                   Descriptor
	CR0, CR2, CR3, CR4, CR8    uint64
	EFER                       uint64
	ApicBase                   uint64
	InterruptBitmap            [(256 + 63) / 64]uint64
}

// FPU mirrors struct kvm_fpu (only the fields this VMM ever touches are
// meaningfully populated; the rest stay zero, matching a freshly reset FPU).
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	Pad2       uint32
}

// DebugRegs mirrors struct kvm_debugregs.
type DebugRegs struct {
	DB      [4]uint64
	DR6     uint64
	DR7     uint64
	Flags   uint64
	Reserved [9]uint64
}

func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	if _, err := ioctlPtr(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(Regs{})), unsafe.Pointer(regs)); err != nil {
		return nil, err
	}

	return regs, nil
}

func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(Regs{})), unsafe.Pointer(regs))

	return err
}

func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	if _, err := ioctlPtr(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(Sregs{})), unsafe.Pointer(sregs)); err != nil {
		return nil, err
	}

	return sregs, nil
}

func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(Sregs{})), unsafe.Pointer(sregs))

	return err
}

func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetFPU, unsafe.Sizeof(FPU{})), unsafe.Pointer(fpu))

	return err
}

func GetDebugRegs(vcpuFd uintptr) (*DebugRegs, error) {
	d := &DebugRegs{}
	if _, err := ioctlPtr(vcpuFd, IIOR(nrGetDebug, unsafe.Sizeof(DebugRegs{})), unsafe.Pointer(d)); err != nil {
		return nil, err
	}

	return d, nil
}

func SetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetDebug, unsafe.Sizeof(DebugRegs{})), unsafe.Pointer(d))

	return err
}
