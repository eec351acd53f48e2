// Package irqline implements the level-triggered interrupt line every
// device in this VMM raises and lowers through: a mutex-guarded level latch
// backed by an eventfd bound to a GSI via KVM_IRQFD, so raising the line
// costs one 8-byte write(2) with no further ioctl.
package irqline

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kvmlite/vmm/kvm"
)

// Line is one GSI's interrupt state, shared by a device backend (which
// raises/lowers it) and the VM container (which binds its eventfd once at
// construction time).
type Line struct {
	mu    sync.Mutex
	gsi   uint32
	fd    int
	level bool
}

// New creates a line for gsi backed by a fresh, close-on-exec eventfd.
func New(gsi uint32) (*Line, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "irqline: eventfd")
	}

	return &Line{gsi: gsi, fd: fd}, nil
}

// GSI returns the global system interrupt number this line is bound to.
func (l *Line) GSI() uint32 { return l.gsi }

// FD returns the backing eventfd, for binding via KVM_IRQFD.
func (l *Line) FD() int { return l.fd }

// Bind registers this line's eventfd with the VM so that raising it
// delivers the interrupt without any further syscall.
func (l *Line) Bind(vmFd uintptr) error {
	return kvm.SetIRQFD(vmFd, l.fd, l.gsi)
}

// Raise sets the line high, signaling the eventfd only on a 0->1 edge, the
// way KVM_IRQFD's level semantics expect: repeated raises while already
// high are no-ops.
func (l *Line) Raise() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level {
		return nil
	}

	l.level = true

	buf := make([]byte, 8)
	buf[0] = 1

	if _, err := unix.Write(l.fd, buf); err != nil {
		return errors.Wrap(err, "irqline: raise")
	}

	return nil
}

// Lower clears the line's latched level. KVM_IRQFD has no userspace-visible
// "lower" signal for a level line bound this way; the latch exists so a
// subsequent Raise after a Lower always re-edges and re-signals.
func (l *Line) Lower() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level = false
}

// Level reports whether the line is currently latched high.
func (l *Line) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level
}

// Close releases the backing eventfd.
func (l *Line) Close() error {
	return unix.Close(l.fd)
}
