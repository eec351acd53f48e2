package boot

import (
	"github.com/kvmlite/vmm/cpuid"
	"github.com/kvmlite/vmm/kvm"
)

const (
	leafVendor      = 0x0
	leafFeatures    = 0x1
	leafCacheParams = 0x4
	leafThermal     = 0x6
	leafPMU         = 0xa
	leafTopology    = 0xb

	bitHTT        = 28 // ECX leaf1 has HYPERVISOR at bit 31, EDX leaf1 has HTT at bit 28
	bitHypervisor = 31
)

// genuineIntel is "GenuineIntel" split into the EBX/EDX/ECX register order
// the CPUID vendor leaf uses.
var genuineIntel = [3]uint32{0x756e6547, 0x49656e69, 0x6c65746e} // "Genu", "ineI", "ntel"

// FilterCPUID rewrites the host's supported CPUID leaves into the guest
// view this VMM presents: a forced Intel vendor string, the hypervisor
// bit set with HTT cleared, PMU counters disabled, turbo/EPB cleared, and
// the topology leaf describing a single-core (or nCPUs-core) layout.
func FilterCPUID(ids *kvm.CPUID, nCPUs int) {
	for i := range ids.Entries[:ids.Nent] {
		id := &ids.Entries[i]

		switch id.Function {
		case leafVendor:
			id.Ebx = genuineIntel[0]
			id.Edx = genuineIntel[1]
			id.Ecx = genuineIntel[2]
		case leafFeatures:
			id.Ecx |= 1 << bitHypervisor
			id.Edx &^= 1 << bitHTT
		case leafCacheParams:
			id.Eax &^= 0xfc000000 // cache-sharing field, bits 26-31
		case leafThermal:
			id.Eax = 0        // no turbo
			id.Ecx &^= 1 << 3 // no EPB
		case leafPMU:
			id.Eax = 0
			id.Ebx = 0
			id.Ecx = 0
			id.Edx = 0
		case leafTopology:
			switch id.Index {
			case 0:
				id.Eax = 0
				id.Ebx = uint32(nCPUs)
				id.Ecx = id.Index | (1 << 8) // level type 1: SMT
			case 1:
				id.Eax = 0
				id.Ebx = 0
				id.Ecx = id.Index // level type: invalid
			default:
				id.Eax = 0
				id.Ebx = 0
				id.Ecx = id.Index
			}

			id.Edx = 0
		}
	}
}

// Patches mirrors FilterCPUID's intent as discrete cpuid.Patch values, kept
// so callers that already hold a cpuid.Apply pipeline (e.g. tests) can
// exercise the same bit-level edits through that helper instead.
var Patches = []cpuid.Patch{
	{Function: leafFeatures, ECXBit: bitHypervisor},
	{Function: leafFeatures, EDXBit: bitHTT, Clear: true},
}
