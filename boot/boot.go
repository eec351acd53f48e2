package boot

import (
	"github.com/kvmlite/vmm/kvm"
)

// Image describes what a guest boots with: a flat entry point already
// loaded into guest memory, a command line, and the number of vCPUs the MP
// table and CPUID topology leaf should advertise.
type Image struct {
	Entry      uint64
	Cmdline    string
	NCPUs      int
	InitrdSize uint32
}

// Prepare writes every low-memory structure a vCPU needs before its first
// KVM_RUN: GDT, IDT, identity-mapped page tables, MP table, and the zero
// page plus command line. It does not touch vCPU register state; call Regs,
// Sregs, and FPU for that once per vCPU. The initrd itself, if any, must
// already be loaded at InitrdAddr before this is called.
func Prepare(mem []byte, memSize uint64, img Image) error {
	WriteGDT(mem)
	WriteIDT(mem)
	WritePageTables(mem)

	if err := MPTable(mem, img.NCPUs); err != nil {
		return err
	}

	cmdlineLen := Cmdline(mem, img.Cmdline)
	ZeroPage(mem, memSize, cmdlineLen, img.InitrdSize)

	return nil
}

// PrepareCPUID fetches the host's supported CPUID leaves and filters them
// into the guest-visible view this VMM presents.
func PrepareCPUID(kvmFd uintptr, nCPUs int) (*kvm.CPUID, error) {
	ids := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, ids); err != nil {
		return nil, err
	}

	FilterCPUID(ids, nCPUs)

	return ids, nil
}
