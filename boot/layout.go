// Package boot prepares everything a long-mode Linux guest needs before its
// first vCPU entry: the GDT/IDT, identity-mapped page tables, the zero page
// and command line, the legacy MP table, and the CPUID/MSR state handed to
// each vCPU.
package boot

// Fixed low-memory guest physical addresses. These match the historical x86
// Linux boot protocol layout used by every minimal VMM in this space.
const (
	GDTAddr      = 0x500
	IDTAddr      = 0x520
	ZeroPageAddr = 0x7000
	BootStackAddr  = 0x8000
	BootStackTop   = 0x8ff0
	PML4Addr     = 0x9000
	PDPTEAddr    = 0xa000
	PDEAddr      = 0xb000
	CmdlineAddr  = 0x20000
	CmdlineMaxSize = 0x10000
	EBDAAddr     = 0x9fc00
	HighMemBase  = 0x100000

	// InitrdAddr is where an initrd/initramfs image is loaded, well clear of
	// the kernel image and low enough to stay under the 3.25GiB hole for any
	// guest memory size this package accepts.
	InitrdAddr = 0xf000000

	// MinMemSize is the smallest guest memory size this package's identity
	// map and E820 builder support.
	MinMemSize = 1 << 25

	// mem3G25 is 3.25 GiB, where the PCI hole begins below 4 GiB.
	mem3G25 = 3*1024*1024*1024 + 256*1024*1024
	mem4G   = 4 * 1024 * 1024 * 1024
)

// CR0/CR4/EFER/PDE64 bits needed to enter long mode and build identity-mapped
// page tables.
const (
	CR0xPE = 1
	CR0xPG = 1 << 31

	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	PDE64xPRESENT = 1
	PDE64xRW      = 1 << 1
	PDE64xUSER    = 1 << 2
	PDE64xACCESSED = 1 << 5
	PDE64xDIRTY   = 1 << 6
	PDE64xPS      = 1 << 7
	PDE64xG       = 1 << 8
)
