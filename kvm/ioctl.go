// Package kvm wraps the Linux /dev/kvm ioctl interface used to build and
// drive a hardware-virtualized guest: VM and vCPU file descriptors, guest
// register access, memory slots, the in-kernel IRQ chip, and IRQFD/GSI
// routing.
package kvm

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Linux encodes ioctl request numbers with a direction, a magic type byte,
// a sequence number and an argument size. KVM's magic type is 0xAE.
const (
	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds a no-argument ioctl request number.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOW builds a write-direction (userspace-to-kernel) ioctl request number.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOR builds a read-direction (kernel-to-userspace) ioctl request number.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOWR builds a bidirectional ioctl request number.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Ioctl issues a raw ioctl(2) against fd, returning the syscall's non-negative
// result value (several KVM ioctls return a meaningful int, e.g.
// KVM_GET_API_VERSION) or an error.
func Ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "ioctl 0x%x", req)
	}

	return ret, nil
}

func ioctlPtr(fd uintptr, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	return Ioctl(fd, req, uintptr(arg))
}
