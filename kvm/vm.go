package kvm

import (
	"os"

	"github.com/pkg/errors"
)

const (
	nrGetAPIVersion     = 0x00
	nrCreateVM          = 0x01
	nrCheckExtension    = 0x03
	nrGetVCPUMMapSize   = 0x04
	apiVersion          = 12
)

// KVM owns the /dev/kvm file descriptor: the capability-query and VM-factory
// end of the hypervisor interface. Everything vCPU- or VM-scoped hangs off
// the fds it hands back (CreateVM, CreateVCPU).
type KVM struct {
	file *os.File
}

// Open opens /dev/kvm and checks that its reported API version is the one
// this package was written against.
func Open() (*KVM, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/kvm")
	}

	k := &KVM{file: f}

	v, err := Ioctl(f.Fd(), IIO(nrGetAPIVersion), 0)
	if err != nil {
		f.Close()

		return nil, errors.Wrap(err, "KVM_GET_API_VERSION")
	}

	if v != apiVersion {
		f.Close()

		return nil, ErrorInvalidAPIVersion
	}

	return k, nil
}

func (k *KVM) Close() error { return k.file.Close() }

func (k *KVM) Fd() uintptr { return k.file.Fd() }

// CreateVM creates a new VM and returns its file descriptor.
func (k *KVM) CreateVM() (uintptr, error) {
	fd, err := Ioctl(k.file.Fd(), IIO(nrCreateVM), 0)
	if err != nil {
		return 0, errors.Wrap(err, "KVM_CREATE_VM")
	}

	return fd, nil
}

// VCPUMMapSize returns the size of the shared kvm_run structure each vCPU
// fd must be mmap'd with.
func (k *KVM) VCPUMMapSize() (int, error) {
	sz, err := Ioctl(k.file.Fd(), IIO(nrGetVCPUMMapSize), 0)
	if err != nil {
		return 0, errors.Wrap(err, "KVM_GET_VCPU_MMAP_SIZE")
	}

	return int(sz), nil
}

// CheckExtension reports whether the host hypervisor supports capability
// cap (a KVM_CAP_* number).
func (k *KVM) CheckExtension(cap uintptr) (bool, error) {
	r, err := Ioctl(k.file.Fd(), IIO(nrCheckExtension), cap)
	if err != nil {
		return false, errors.Wrap(err, "KVM_CHECK_EXTENSION")
	}

	return r != 0, nil
}

// GetSupportedCPUID fills cpuid with every CPUID leaf the host hypervisor
// can present to a guest.
func (k *KVM) GetSupportedCPUID(cpuid *CPUID) error {
	return GetSupportedCPUID(k.file.Fd(), cpuid)
}
