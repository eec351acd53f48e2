package kvm

import "unsafe"

const (
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region. Slot
// identifies the region among possibly several registered for one VM (a
// second slot is used for the memory above 4 GiB).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctlPtr(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})), unsafe.Pointer(region))

	return err
}

// SetTSSAddr reserves a 3-page region for the task state segment the CPU
// needs to enter protected/long mode cleanly. Required before CreateVCPU.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves a single page used by KVM for the EPT
// identity-mapped page table it maintains internally for real-mode/SMM.
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := ioctlPtr(vmFd, IIOW(nrSetIdentityMapAddr, unsafe.Sizeof(addr)), unsafe.Pointer(&addr))

	return err
}
