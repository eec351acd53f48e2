package vmm

import "testing"

func TestAllocVirtioGSISkipsRTC(t *testing.T) {
	t.Parallel()

	v := &VM{nextGSI: gsiVirtioBase}

	var got []uint32
	for i := 0; i < 5; i++ {
		got = append(got, v.allocVirtioGSI())
	}

	for _, gsi := range got {
		if gsi == gsiRTC {
			t.Fatalf("allocVirtioGSI returned the reserved RTC gsi %d in %v", gsiRTC, got)
		}
	}

	want := []uint32{5, 6, 7, 9, 10}
	for i, gsi := range got {
		if gsi != want[i] {
			t.Fatalf("gsi[%d] = %d, want %d (sequence %v)", i, gsi, want[i], got)
		}
	}
}
