// Package probe reports what the host's /dev/kvm actually supports, for
// diagnosing a host before asking it to boot a guest.
package probe

import (
	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/kvm"
)

// Well-known KVM_CAP_* numbers worth surfacing to an operator deciding
// whether a host can run this VMM.
const (
	capIRQChip    = 0
	capUserMemory = 3
	capSetTSSAddr = 4
	capExtCPUID   = 7
	capPIT2       = 33
	capIRQFD      = 32
	capIOEventFD  = 36
	capX2ApicAPI  = kvm.CapX2ApicAPI
)

var checks = []struct {
	name string
	cap  uintptr
}{
	{"KVM_CAP_IRQCHIP", capIRQChip},
	{"KVM_CAP_USER_MEMORY", capUserMemory},
	{"KVM_CAP_SET_TSS_ADDR", capSetTSSAddr},
	{"KVM_CAP_EXT_CPUID", capExtCPUID},
	{"KVM_CAP_IRQFD", capIRQFD},
	{"KVM_CAP_PIT2", capPIT2},
	{"KVM_CAP_IOEVENTFD", capIOEventFD},
	{"KVM_CAP_X2APIC_API", capX2ApicAPI},
}

// Capabilities opens /dev/kvm, checks every capability this VMM relies on,
// and logs the result of each. It returns an error only if /dev/kvm itself
// could not be opened; a missing individual capability is logged, not
// treated as fatal, since an operator runs this to find out exactly that.
func Capabilities(log logrus.FieldLogger) error {
	k, err := kvm.Open()
	if err != nil {
		return err
	}
	defer k.Close()

	for _, c := range checks {
		ok, err := k.CheckExtension(c.cap)
		if err != nil {
			log.WithError(err).WithField("cap", c.name).Warn("probe: check extension failed")

			continue
		}

		log.WithFields(logrus.Fields{"cap": c.name, "supported": ok}).Info("probe: capability")
	}

	mmapSize, err := k.VCPUMMapSize()
	if err != nil {
		log.WithError(err).Warn("probe: get vcpu mmap size failed")
	} else {
		log.WithField("bytes", mmapSize).Info("probe: vcpu mmap size")
	}

	return nil
}
