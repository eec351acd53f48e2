package kvm

import "unsafe"

const (
	nrCreateIRQChip  = 0x60
	nrIRQLineStatus  = 0x67
	nrCreatePIT2     = 0x77
	nrIRQFD          = 0x76
	nrSetGSIRouting  = 0x6a
	nrEnableCap      = 0xa3
)

func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// PITConfig mirrors struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	Pad   [15]uint32
}

const PITSpeakerDummy = 1 << 0

func CreatePIT2(vmFd uintptr, flags uint32) error {
	cfg := PITConfig{Flags: flags}
	_, err := ioctlPtr(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(PITConfig{})), unsafe.Pointer(&cfg))

	return err
}

// IRQLevel mirrors struct kvm_irq_level; Level nonzero raises the line,
// zero lowers it (used by the legacy PIC/IOAPIC pulse path; the IRQFD path
// used by every device in this VMM bypasses this ioctl entirely).
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

func IRQLine(vmFd uintptr, irq, level uint32) error {
	il := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctlPtr(vmFd, IIOWR(nrIRQLineStatus, unsafe.Sizeof(IRQLevel{})), unsafe.Pointer(&il))

	return err
}

// IRQFD mirrors struct kvm_irqfd. Binding an eventfd to a GSI here means a
// single write(2) of an 8-byte token to that eventfd is enough to inject the
// interrupt on gsi without any further syscall from userspace.
type IRQFD struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	Pad        [16]uint8
}

func SetIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	req := IRQFD{FD: uint32(fd), GSI: gsi}
	_, err := ioctlPtr(vmFd, IIOW(nrIRQFD, unsafe.Sizeof(IRQFD{})), unsafe.Pointer(&req))

	return err
}

// IRQRoutingEntry mirrors struct kvm_irq_routing_entry for the IRQCHIP type
// (the only routing type this VMM needs: MASTER/SLAVE PIC and the IOAPIC).
type IRQRoutingEntry struct {
	GSI     uint32
	Type    uint32
	Flags   uint32
	Pad     uint32
	Irqchip struct {
		Irqchip uint32
		Pin     uint32
	}
	// Padding so Irqchip plus this field fill the kernel union's 32 bytes
	// (its __u32 pad[8] member), giving the 48-byte kernel entry size.
	_ [6]uint32
}

const IRQRoutingIRQChip = 1

const (
	IRQChipMaster = 0
	IRQChipSlave  = 1
	IRQChipIOAPIC = 2
)

// IRQRouting mirrors struct kvm_irq_routing with a fixed-capacity entry
// array; Nr is set to the number of entries actually populated.
type IRQRouting struct {
	Nr      uint32
	Flags   uint32
	Entries [64]IRQRoutingEntry
}

func SetGSIRouting(vmFd uintptr, routing *IRQRouting) error {
	_, err := ioctlPtr(vmFd, IIOW(nrSetGSIRouting, unsafe.Sizeof(IRQRouting{})), unsafe.Pointer(routing))

	return err
}

// EnableCap mirrors struct kvm_enable_cap.
type EnableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	Pad   [64]uint8
}

const CapX2ApicAPI = 129

func EnableCap(vmFd uintptr, cap uint32, args ...uint64) error {
	ec := EnableCap{Cap: cap}
	for i := 0; i < len(args) && i < len(ec.Args); i++ {
		ec.Args[i] = args[i]
	}

	_, err := ioctlPtr(vmFd, IIOW(nrEnableCap, unsafe.Sizeof(EnableCap{})), unsafe.Pointer(&ec))

	return err
}
