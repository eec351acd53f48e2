// Package memory builds a guest's physical address space: one or two
// anonymous mmap'd regions registered with the hypervisor as userspace
// memory regions, split around the low-memory hole below 4 GiB the way a
// real PC platform reserves it for MMIO and firmware.
package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kvmlite/vmm/boot"
	"github.com/kvmlite/vmm/kvm"
)

// holeBase is 3.25 GiB: memory below this is mapped straight through, any
// requested size beyond it spills into a second slot starting at 4 GiB.
const holeBase = 3*1024*1024*1024 + 256*1024*1024
const fourGiB = 4 * 1024 * 1024 * 1024

// Guest owns the mmap'd byte slice backing a VM's physical address space
// and the slots registered for it.
type Guest struct {
	mem     []byte
	lowSize uint64
	slots   []kvm.UserspaceMemoryRegion
}

// New allocates size bytes of guest RAM and registers it with vmFd as one
// or two slots, splitting around the sub-4GiB MMIO hole when size exceeds
// it. Everything above HighMemBase is poisoned with a trap instruction so a
// guest that jumps into uninitialized memory faults immediately instead of
// running whatever garbage happens to be there.
func New(vmFd uintptr, size uint64) (*Guest, error) {
	if size < boot.MinMemSize {
		return nil, errors.Errorf("memory: %d bytes is below the minimum guest size %d", size, boot.MinMemSize)
	}

	low := size
	if low > holeBase {
		low = holeBase
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "memory: mmap guest RAM")
	}

	poison(buf[boot.HighMemBase:low])

	g := &Guest{mem: buf, lowSize: low}

	if err := g.addSlot(vmFd, 0, 0, buf[:low]); err != nil {
		return nil, err
	}

	if size > holeBase {
		poison(buf[low:])

		if err := g.addSlot(vmFd, 1, fourGiB, buf[low:]); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// poisonWord is vmcall;nop;ud2;nop;nop: instructions that fault as soon as
// execution reaches them, laid down across unused RAM so a stray jump into
// uninitialized memory traps instead of running whatever garbage is there.
var poisonWord = [8]byte{0x0f, 0x01, 0xc1, 0x90, 0x0f, 0x0b, 0x90, 0x90}

func poison(region []byte) {
	for i := 0; i < len(region); i += len(poisonWord) {
		copy(region[i:], poisonWord[:])
	}
}

func (g *Guest) addSlot(vmFd uintptr, slot uint32, guestAddr uint64, region []byte) error {
	r := kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    uint64(len(region)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&region[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &r); err != nil {
		return errors.Wrapf(err, "memory: register slot %d", slot)
	}

	g.slots = append(g.slots, r)

	return nil
}

// Bytes returns the low-memory view (below the sub-4GiB hole) that the boot
// preparer and kernel loader address directly; anything the guest places
// above 4 GiB is reached only by the guest itself, never by VMM-side
// byte-slice writes.
func (g *Guest) Bytes() []byte {
	return g.mem[:g.lowSize]
}

// Size is the total guest-visible RAM size, including any high slot.
func (g *Guest) Size() uint64 {
	return uint64(len(g.mem))
}

// Unmap releases the backing anonymous mapping. Called once, when the VM
// is destroyed.
func (g *Guest) Unmap() error {
	return unix.Munmap(g.mem)
}
