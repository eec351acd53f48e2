package vmm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/kvmlite/vmm/kvm"
)

// disasmAtRIP decodes the instruction the vCPU is currently stopped at, for
// diagnostic logging on a debug trap or an exit reason this loop doesn't
// otherwise know how to handle. It returns "" if RIP can't be translated or
// decoded, which is itself diagnostic (unmapped or garbage code address).
func (c *vcpu) disasmAtRIP() string {
	regs, err := kvm.GetRegs(c.fd)
	if err != nil {
		return ""
	}

	t, err := kvm.Translate(c.fd, regs.RIP)
	if err != nil || t.Valid == 0 {
		return ""
	}

	mem := c.vm.mem.Bytes()
	if t.PhysicalAddress >= uint64(len(mem)) {
		return ""
	}

	end := t.PhysicalAddress + 16
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}

	inst, err := x86asm.Decode(mem[t.PhysicalAddress:end], 64)
	if err != nil {
		return ""
	}

	return x86asm.GNUSyntax(inst, regs.RIP, nil)
}
