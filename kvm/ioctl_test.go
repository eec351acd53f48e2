package kvm

import "testing"

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", IIO(nrGetAPIVersion), 0xAE00},
		{"KVM_CREATE_VM", IIO(nrCreateVM), 0xAE01},
		{"KVM_GET_VCPU_MMAP_SIZE", IIO(nrGetVCPUMMapSize), 0xAE04},
		{"KVM_CREATE_VCPU", IIO(nrCreateVCPU), 0xAE41},
		{"KVM_RUN", IIO(nrRun), 0xAE80},
		{"KVM_SET_TSS_ADDR", IIO(nrSetTSSAddr), 0xAE47},
		{"KVM_CREATE_IRQCHIP", IIO(nrCreateIRQChip), 0xAE60},
		{"KVM_SET_IDENTITY_MAP_ADDR", IIOW(nrSetIdentityMapAddr, 8), 0x4008AE48},
		{"KVM_GET_REGS", IIOR(nrGetRegs, 144), 0x8090AE81},
		{"KVM_SET_REGS", IIOW(nrSetRegs, 144), 0x4090AE82},
	}

	for _, c := range cases {
		c := c

		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if c.got != c.want {
				t.Fatalf("%s: got 0x%x, want 0x%x", c.name, c.got, c.want)
			}
		})
	}
}

func TestExitTypeString(t *testing.T) {
	t.Parallel()

	if got := EXITHLT.String(); got != "EXITHLT" {
		t.Fatalf("EXITHLT.String() = %q", got)
	}

	if got := ExitType(999).String(); got != "EXIT(unknown)" {
		t.Fatalf("unknown exit type did not fall back, got %q", got)
	}
}
