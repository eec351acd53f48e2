package kvm

import (
	"errors"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	nrCreateVCPU      = 0x41
	nrRun             = 0x80
	nrSetGuestDebug   = 0x9b
	nrTranslate       = 0x85
)

// CreateVCPU creates logical CPU number id within the VM and returns its
// file descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	fd, err := Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(id))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "KVM_CREATE_VCPU %d", id)
	}

	return fd, nil
}

// RunData mirrors the head of struct kvm_run: the fields common to every
// exit plus the exit-specific union, modeled here as independently
// addressable IO/MMIO/debug payloads at the union's real byte offset (32
// bytes into the struct, immediately after the header fields below).
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	Padding1                   [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Padding2                   [2]uint8
	CR8                        uint64
	ApicBase                   uint64

	// Union of per-exit-reason payloads. IO(), MMIO() and Debug()
	// reinterpret this region; only the EXITIO, EXITMMIO and EXITDEBUG
	// payloads are decoded.
	union [256]uint8
}

// IODirection is the decoded direction of a port-I/O exit.
type IODirection uint8

const (
	IODirIn  IODirection = EXITIOIN
	IODirOut IODirection = EXITIOOUT
)

type runIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IO decodes the kvm_run.io union member.
func (r *RunData) IO() (dir IODirection, size uint8, port uint16, count uint32, dataOffset uint64) {
	io := (*runIO)(unsafe.Pointer(&r.union[0]))

	return IODirection(io.Direction), io.Size, io.Port, io.Count, io.DataOffset
}

type runMMIO struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
}

// MMIO decodes the kvm_run.mmio union member.
func (r *RunData) MMIO() (physAddr uint64, data []uint8, length uint32, isWrite bool) {
	m := (*runMMIO)(unsafe.Pointer(&r.union[0]))

	return m.PhysAddr, m.Data[:], m.Len, m.IsWrite != 0
}

type runDebug struct {
	Exception uint32
	Pad       uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// Debug decodes the kvm_run.debug union member (arch.{exception,pc,dr6,dr7}).
func (r *RunData) Debug() (exception uint32, pc, dr6, dr7 uint64) {
	d := (*runDebug)(unsafe.Pointer(&r.union[0]))

	return d.Exception, d.PC, d.DR6, d.DR7
}

// MMapRunData mmaps the shared kvm_run structure for vcpuFd. The returned
// byte slice is the whole mapping; io.data_offset indexes into it directly,
// since KVM places the PIO data window past the end of the fixed kvm_run
// header rather than inside it. MMIO data sits inside the union and is
// returned by MMIO().
func MMapRunData(vcpuFd uintptr, size int) (*RunData, []byte, error) {
	data, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "mmap kvm_run")
	}

	return (*RunData)(unsafe.Pointer(&data[0])), data, nil
}

// GuestDebug mirrors struct kvm_guest_debug (only the control word and the
// x86 debug-register bank this VMM ever sets).
type GuestDebug struct {
	Control uint32
	Pad     uint32
	DebugReg [8]uint64
}

const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 1
)

func SetGuestDebug(vcpuFd uintptr, control uint32) error {
	gd := GuestDebug{Control: control}
	_, err := ioctlPtr(vcpuFd, IIOW(nrSetGuestDebug, unsafe.Sizeof(GuestDebug{})), unsafe.Pointer(&gd))

	return err
}

// Run enters the guest once. EINTR is transparently retried — the guest
// was simply preempted by a host signal, not a real failure. EAGAIN is also
// retried, but it's logged first: unlike EINTR it signals momentary host
// resource pressure rather than a benign signal interruption, and is worth
// knowing about if it keeps happening.
func Run(vcpuFd uintptr) error {
	for {
		_, err := Ioctl(vcpuFd, IIO(nrRun), 0)
		if err == nil {
			return nil
		}

		if errors.Is(err, unix.EINTR) {
			continue
		}

		if errors.Is(err, unix.EAGAIN) {
			logrus.WithField("vcpu_fd", vcpuFd).Warn("KVM_RUN: EAGAIN, retrying")

			continue
		}

		return pkgerrors.Wrap(err, "KVM_RUN")
	}
}

// Translation mirrors struct kvm_translation.
type Translation struct {
	LinearAddress  uint64
	PhysicalAddress uint64
	Valid          uint8
	Writeable      uint8
	Usermode       uint8
	Pad            [5]uint8
}

func Translate(vcpuFd uintptr, linear uint64) (*Translation, error) {
	t := &Translation{LinearAddress: linear}
	if _, err := ioctlPtr(vcpuFd, IIOWR(nrTranslate, unsafe.Sizeof(Translation{})), unsafe.Pointer(t)); err != nil {
		return nil, pkgerrors.Wrap(err, "KVM_TRANSLATE")
	}

	return t, nil
}
