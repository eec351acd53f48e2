// Package cpuid holds a small bit-patch helper for CPUID leaves. The boot
// package declares its leaf edits as Patch values (boot.Patches); its
// FilterCPUID edits the leaves directly and does not call Apply.
package cpuid

import (
	"errors"
	"math/bits"

	"github.com/kvmlite/vmm/kvm"
)

// Patch describes a single-bit CPUID override: set or clear one bit in one
// register of one (function, index) leaf.
type Patch struct {
	Function uint32
	Index    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
	Clear    bool
}

var errInvalidPatch = errors.New("cpuid patch must target exactly one bit")

// Apply patches every entry of ids matching a patch's (function, index),
// setting or clearing the named bit in each listed register.
func Apply(ids *kvm.CPUID, patches []Patch) error {
	for i := range ids.Entries[:ids.Nent] {
		id := &ids.Entries[i]

		for _, p := range patches {
			if id.Function != p.Function || id.Index != p.Index {
				continue
			}

			if bits.OnesCount8(p.EAXBit)+bits.OnesCount8(p.EBXBit)+
				bits.OnesCount8(p.ECXBit)+bits.OnesCount8(p.EDXBit) != 1 {
				return errInvalidPatch
			}

			if p.Clear {
				id.Eax &^= 1 << p.EAXBit
				id.Ebx &^= 1 << p.EBXBit
				id.Ecx &^= 1 << p.ECXBit
				id.Edx &^= 1 << p.EDXBit
			} else {
				id.Eax |= 1 << p.EAXBit
				id.Ebx |= 1 << p.EBXBit
				id.Ecx |= 1 << p.ECXBit
				id.Edx |= 1 << p.EDXBit
			}
		}
	}

	return nil
}
