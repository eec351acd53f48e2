package boot

import (
	"encoding/binary"

	"github.com/kvmlite/vmm/kvm"
)

// GDT entry indices. Selector = index * 8.
const (
	NullEntry = 0
	CodeEntry = 1
	DataEntry = 2
	TSSEntry  = 3
)

// gdtEntry packs one 8-byte GDT descriptor the way the x86 GDT format
// requires: base and limit split across non-contiguous bit ranges, flags
// occupying the access-byte/flags nibble.
func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base&0xff000000) << (56 - 24)) |
		(uint64(flags&0x0000f0ff) << 40) |
		(uint64(limit&0x000f0000) << (48 - 16)) |
		(uint64(base&0x00ffffff) << 16) |
		uint64(limit&0x0000ffff)
}

func gdtBase(entry uint64) uint64 {
	return ((entry & 0xFF00000000000000) >> 32) |
		((entry & 0x000000FF00000000) >> 16) |
		((entry & 0x00000000FFFF0000) >> 16)
}

func gdtLimit(entry uint64) uint32 { return uint32(((entry & 0x000F000000000000) >> 32) | (entry & 0x000000000000FFFF)) }
func gdtG(entry uint64) uint8      { return uint8((entry & 0x0080000000000000) >> 55) }
func gdtDB(entry uint64) uint8     { return uint8((entry & 0x0040000000000000) >> 54) }
func gdtL(entry uint64) uint8      { return uint8((entry & 0x0020000000000000) >> 53) }
func gdtAVL(entry uint64) uint8    { return uint8((entry & 0x0010000000000000) >> 52) }
func gdtP(entry uint64) uint8      { return uint8((entry & 0x0000800000000000) >> 47) }
func gdtDPL(entry uint64) uint8    { return uint8((entry & 0x0000600000000000) >> 45) }
func gdtS(entry uint64) uint8      { return uint8((entry & 0x0000100000000000) >> 44) }
func gdtType(entry uint64) uint8   { return uint8((entry & 0x00000F0000000000) >> 40) }

// Table returns the 4 GDT entries this VMM always boots with: null, a flat
// 64-bit code segment, a flat data segment, and a TSS descriptor.
func Table() [4]uint64 {
	return [4]uint64{
		gdtEntry(0, 0, 0),
		gdtEntry(0xa09b, 0, 0xfffff),
		gdtEntry(0xc093, 0, 0xfffff),
		gdtEntry(0x808b, 0, 0xfffff),
	}
}

// Segment builds a kvm.Segment for GDT index from its packed entry, the way
// KVM_SET_SREGS expects: selector = index*8, the rest decoded from the
// entry's bit layout.
func Segment(index uint8, entry uint64) kvm.Segment {
	unusable := uint8(0)
	if gdtP(entry) == 0 {
		unusable = 1
	}

	return kvm.Segment{
		Base:     gdtBase(entry),
		Limit:    gdtLimit(entry),
		Selector: uint16(index) * 8,
		Typ:      gdtType(entry),
		Present:  gdtP(entry),
		DPL:      gdtDPL(entry),
		DB:       gdtDB(entry),
		S:        gdtS(entry),
		L:        gdtL(entry),
		G:        gdtG(entry),
		AVL:      gdtAVL(entry),
		Unusable: unusable,
	}
}

// WriteGDT serializes Table() into guest memory at GDTAddr.
func WriteGDT(mem []byte) {
	table := Table()
	for i, entry := range table {
		binary.LittleEndian.PutUint64(mem[GDTAddr+i*8:], entry)
	}
}

// WriteIDT zero-fills the IDT region; this VMM never delivers a software
// exception through it, so every gate stays not-present.
func WriteIDT(mem []byte) {
	for i := IDTAddr; i < IDTAddr+8; i++ {
		mem[i] = 0
	}
}
