package kvm

import "unsafe"

const (
	nrGetSupportedCPUID = 0x05
	nrSetCPUID2          = 0x90

	// MaxCPUIDEntries bounds the number of leaves this package round-trips
	// through KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2.
	MaxCPUIDEntries = 100
)

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2, with Entries as a fixed-capacity array of
// MaxCPUIDEntries in place of the struct's trailing flexible array member.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = MaxCPUIDEntries
	_, err := ioctlPtr(kvmFd, IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(CPUID{})), unsafe.Pointer(cpuid))

	return err
}

func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetCPUID2, unsafe.Sizeof(CPUID{})), unsafe.Pointer(cpuid))

	return err
}
