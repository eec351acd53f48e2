package memory

import "testing"

func TestPoisonFillsRegionWithTrapInstructions(t *testing.T) {
	t.Parallel()

	region := make([]byte, len(poisonWord)*3+2)
	poison(region)

	for i := 0; i < len(region)-len(poisonWord)+1; i += len(poisonWord) {
		got := region[i : i+len(poisonWord)]
		for j, b := range got {
			if b != poisonWord[j] {
				t.Fatalf("byte %d = %#x, want %#x", i+j, b, poisonWord[j])
			}
		}
	}
}

func TestLowSlotSizeSplitsAtHole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    uint64
		wantLow uint64
	}{
		{"below hole", 1 << 30, 1 << 30},
		{"exactly at hole", holeBase, holeBase},
		{"above hole", holeBase + 1<<20, holeBase},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			low := tc.size
			if low > holeBase {
				low = holeBase
			}

			if low != tc.wantLow {
				t.Fatalf("low = %d, want %d", low, tc.wantLow)
			}
		})
	}
}
