package boot

import "github.com/kvmlite/vmm/kvm"

// FPU returns the initial x87/SSE state a freshly reset vCPU needs: a
// default control word and MXCSR, nothing else loaded.
func FPU() kvm.FPU {
	return kvm.FPU{
		FCW:   0x37f,
		MXCSR: 0x1f80,
	}
}

// Regs returns the initial general-purpose register state for a vCPU
// entering the guest at entry, with RSI pointing at the zero page.
func Regs(entry uint64) kvm.Regs {
	return kvm.Regs{
		RFLAGS: 0x2,
		RIP:    entry,
		RSP:    BootStackTop,
		RSI:    ZeroPageAddr,
	}
}

// Sregs returns the segment/control-register state for entering 64-bit long
// mode with paging enabled via the identity map this package builds.
func Sregs() kvm.Sregs {
	table := Table()

	return kvm.Sregs{
		CS: Segment(CodeEntry, table[CodeEntry]),
		DS: Segment(DataEntry, table[DataEntry]),
		ES: Segment(DataEntry, table[DataEntry]),
		FS: Segment(DataEntry, table[DataEntry]),
		GS: Segment(DataEntry, table[DataEntry]),
		SS: Segment(DataEntry, table[DataEntry]),
		TR: Segment(TSSEntry, table[TSSEntry]),

		GDT: kvm.Descriptor{Base: GDTAddr, Limit: uint16(4*8 - 1)},
		IDT: kvm.Descriptor{Base: IDTAddr, Limit: 0xffff},

		CR0:  CR0xPE | CR0xPG,
		CR3:  PML4Addr,
		CR4:  CR4xPAE,
		EFER: EFERxLME | EFERxLMA,
	}
}
