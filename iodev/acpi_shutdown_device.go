// Package iodev collects small single-purpose port-I/O devices that don't
// warrant their own package.
package iodev

import "github.com/sirupsen/logrus"

// ACPIShutDownDevPort is the port EDK2/cloud-hypervisor firmware writes to
// signal ACPI reset and S5 shutdown requests to the host.
const ACPIShutDownDevPort = uint64(0x600)

// s5SleepVal and its bit positions are from the ACPI DSDT's \_S5 sleep-state
// definition: writing (s5SleepVal<<sleepValBit)|(1<<sleepStatusBit)
// requests the S5 (shutdown) sleep state.
const (
	s5SleepVal     = 5
	sleepValBit    = 2
	sleepStatusBit = 5
)

// ACPIShutDownDevice turns writes to its port into a shutdown or reboot
// signal on Requests, for the VM container's run loop to observe.
type ACPIShutDownDevice struct {
	Port     uint64
	log      logrus.FieldLogger
	Requests chan ShutdownRequest
}

// ShutdownRequest distinguishes a guest-initiated reboot from a full
// power-off.
type ShutdownRequest int

const (
	RequestReboot ShutdownRequest = iota
	RequestPowerOff
)

func NewACPIShutDownDevice(log logrus.FieldLogger) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:     ACPIShutDownDevPort,
		log:      log,
		Requests: make(chan ShutdownRequest, 1),
	}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	data[0] = 0

	return nil
}

func (a *ACPIShutDownDevice) Write(base uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch {
	case data[0] == 1:
		a.log.Info("acpi: reboot signaled")
		a.notify(RequestReboot)
	case data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusBit):
		a.log.Info("acpi: shutdown (S5) signaled")
		a.notify(RequestPowerOff)
	}

	return nil
}

func (a *ACPIShutDownDevice) notify(req ShutdownRequest) {
	select {
	case a.Requests <- req:
	default:
	}
}

func (a *ACPIShutDownDevice) IOPort() uint64 { return a.Port }

func (a *ACPIShutDownDevice) Size() uint64 { return 0x8 }
