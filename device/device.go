package device

// IODevice describes the interface a IO-Port device must implement regardless of the
// bus it is attached to.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}

// MMIODevice describes the interface a memory-mapped device must implement.
// Offsets passed to Read/Write are relative to the device's base address.
type MMIODevice interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
	BaseAddr() uint64
	Width() uint64
}
