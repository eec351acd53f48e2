package boot

import "encoding/binary"

// identityMapSize is how much guest-physical address space the page tables
// this package builds cover: one PML4 entry, one PDPTE entry, 512 2MiB PDEs.
const identityMapSize = 1 << 30

// WritePageTables builds a single-PML4E/single-PDPTE identity map over the
// first 1GiB of guest physical memory using 2MiB pages, the simplest
// configuration long mode accepts without 4KiB page tables.
func WritePageTables(mem []byte) {
	binary.LittleEndian.PutUint64(mem[PML4Addr:], PDPTEAddr|PDE64xPRESENT|PDE64xRW|PDE64xUSER)
	binary.LittleEndian.PutUint64(mem[PDPTEAddr:], PDEAddr|PDE64xPRESENT|PDE64xRW|PDE64xUSER)

	for i := uint64(0); i < 512; i++ {
		entry := (i << 21) | PDE64xPRESENT | PDE64xRW | PDE64xUSER | PDE64xACCESSED | PDE64xDIRTY | PDE64xPS | PDE64xG
		binary.LittleEndian.PutUint64(mem[PDEAddr+i*8:], entry)
	}
}
