// Package tap opens a Linux tun/tap character device in TAP mode for the
// network backend to read and write raw Ethernet frames through.
package tap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// Tap is a non-blocking TAP interface file descriptor.
type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd, op, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// New opens /dev/net/tun and attaches it to the TAP interface named name,
// creating it if it doesn't already exist, and puts the descriptor in
// non-blocking mode.
func New(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	t := &Tap{fd: fd}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if err := ioctl(uintptr(t.fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		_ = t.Close()
		return nil, err
	}

	if err := unix.SetNonblock(t.fd, true); err != nil {
		_ = t.Close()
		return nil, err
	}

	return t, nil
}

func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

func (t *Tap) Write(buf []byte) (int, error) {
	return unix.Write(t.fd, buf)
}

func (t *Tap) Read(buf []byte) (int, error) {
	return unix.Read(t.fd, buf)
}
