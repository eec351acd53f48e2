// Package vmm assembles every other package into a runnable virtual
// machine: guest memory, the in-kernel IRQ chip, one vCPU exit loop per
// logical CPU, the legacy and paravirtual device set, and the bus that
// routes guest accesses to them.
package vmm

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/boot"
	"github.com/kvmlite/vmm/bootproto"
	"github.com/kvmlite/vmm/bus"
	"github.com/kvmlite/vmm/device"
	"github.com/kvmlite/vmm/iodev"
	"github.com/kvmlite/vmm/irqline"
	"github.com/kvmlite/vmm/kvm"
	"github.com/kvmlite/vmm/legacyio"
	"github.com/kvmlite/vmm/memory"
	"github.com/kvmlite/vmm/mmio"
	"github.com/kvmlite/vmm/tap"
	"github.com/kvmlite/vmm/virtio"
)

// Legacy GSI assignments, the standard PC/AT wiring every minimal VMM in
// this space copies: keyboard on IRQ1, RTC on IRQ8, COM1/COM3 share IRQ4,
// COM2/COM4 share IRQ3.
const (
	gsiKeyboard = 1
	gsiCOM2or4  = 3
	gsiCOM1or3  = 4
	gsiRTC      = 8

	// gsiVirtioBase is the first GSI handed to a paravirtual device; the
	// allocator walks upward from here, skipping gsiRTC.
	gsiVirtioBase = 5

	// mmioBase/mmioStride match the guest-visible MMIO window every
	// paravirtual device occupies: base + stride*k.
	mmioBase   = 0xd0000000
	mmioStride = 0x1000

	// tssAddr/identityMapAddr sit just below the 4 GiB boundary, inside the
	// sub-4GiB hole this VMM never backs with guest RAM or MMIO devices:
	// the conventional placement every minimal x86 KVM VMM uses so the
	// kernel's internal EPT identity map and TSS page never collide with
	// anything guest-visible.
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

// Config describes the guest a VM should boot.
type Config struct {
	MemSize    uint64
	NCPUs      int
	KernelPath string
	InitrdPath string
	Cmdline    string
	DiskPath   string
	TapName    string
	SingleStep bool
}

// VM owns every host-side resource backing a running guest: the hypervisor
// fds, guest memory, the bus and its devices, and one vcpu per logical CPU.
type VM struct {
	kvm *kvm.KVM
	fd  uintptr

	mem *memory.Guest
	bus *bus.Bus

	cpus []*vcpu

	irqs    map[uint32]*irqline.Line
	nextGSI uint32

	singleStep bool

	log logrus.FieldLogger

	closers []io.Closer

	stopOnce sync.Once
	stopCh   chan struct{}

	shutdown *iodev.ACPIShutDownDevice
	console  *legacyio.UART
}

// New opens the hypervisor, builds guest memory and the IRQ chip, loads the
// kernel, and constructs the legacy and paravirtual device set described by
// cfg. The VM is fully built and every vCPU's initial state is set, but no
// vCPU has entered the guest yet; call RunCPU for each one.
func New(cfg Config, log logrus.FieldLogger) (*VM, error) {
	k, err := kvm.Open()
	if err != nil {
		return nil, err
	}

	vmFd, err := k.CreateVM()
	if err != nil {
		k.Close()

		return nil, errors.Wrap(err, "vmm: create vm")
	}

	v := &VM{
		kvm:     k,
		fd:      vmFd,
		bus:     bus.New(log, 0x80),
		irqs:    make(map[uint32]*irqline.Line),
		nextGSI: gsiVirtioBase,
		log:     log,
		stopCh:  make(chan struct{}),
	}

	if err := v.setupPlatform(cfg); err != nil {
		v.Close()

		return nil, err
	}

	if err := v.setupMemory(cfg); err != nil {
		v.Close()

		return nil, err
	}

	img, err := v.setupDevices(cfg)
	if err != nil {
		v.Close()

		return nil, err
	}

	if err := boot.Prepare(v.mem.Bytes(), v.mem.Size(), img); err != nil {
		v.Close()

		return nil, errors.Wrap(err, "vmm: boot prepare")
	}

	if err := v.setupCPUs(cfg, img); err != nil {
		v.Close()

		return nil, err
	}

	return v, nil
}

func (v *VM) setupPlatform(cfg Config) error {
	if err := kvm.SetTSSAddr(v.fd, tssAddr); err != nil {
		return errors.Wrap(err, "vmm: set tss addr")
	}

	if err := kvm.SetIdentityMapAddr(v.fd, identityMapAddr); err != nil {
		return errors.Wrap(err, "vmm: set identity map addr")
	}

	if err := kvm.CreateIRQChip(v.fd); err != nil {
		return errors.Wrap(err, "vmm: create irqchip")
	}

	if err := kvm.CreatePIT2(v.fd, kvm.PITSpeakerDummy); err != nil {
		return errors.Wrap(err, "vmm: create pit2")
	}

	if err := v.routeLegacyGSIs(); err != nil {
		return err
	}

	if ok, _ := v.kvm.CheckExtension(kvm.CapX2ApicAPI); ok {
		if err := kvm.EnableCap(v.fd, kvm.CapX2ApicAPI); err != nil {
			v.log.WithError(err).Debug("vmm: enable x2apic api cap failed, continuing without it")
		}
	}

	return nil
}

// routeLegacyGSIs explicitly (re)establishes the identity PIC/IOAPIC
// routing KVM_CREATE_IRQCHIP already defaults to, so every legacy GSI this
// VMM binds an IRQFD to has a routing entry this code actually asserted
// rather than inherited silently.
func (v *VM) routeLegacyGSIs() error {
	routing := &kvm.IRQRouting{}

	add := func(gsi uint32, chip, pin uint32) {
		e := kvm.IRQRoutingEntry{GSI: gsi, Type: kvm.IRQRoutingIRQChip}
		e.Irqchip.Irqchip = chip
		e.Irqchip.Pin = pin
		routing.Entries[routing.Nr] = e
		routing.Nr++
	}

	for gsi := uint32(0); gsi < 8; gsi++ {
		add(gsi, kvm.IRQChipMaster, gsi)
	}

	for gsi := uint32(8); gsi < 16; gsi++ {
		add(gsi, kvm.IRQChipSlave, gsi-8)
	}

	for gsi := uint32(0); gsi < 24; gsi++ {
		add(gsi, kvm.IRQChipIOAPIC, gsi)
	}

	return errors.Wrap(kvm.SetGSIRouting(v.fd, routing), "vmm: set gsi routing")
}

func (v *VM) setupMemory(cfg Config) error {
	mem, err := memory.New(v.fd, cfg.MemSize)
	if err != nil {
		return err
	}

	v.mem = mem

	return nil
}

// line lazily creates and binds an interrupt line for gsi, returning the
// same *irqline.Line on every subsequent call for that gsi.
func (v *VM) line(gsi uint32) (*irqline.Line, error) {
	if l, ok := v.irqs[gsi]; ok {
		return l, nil
	}

	l, err := irqline.New(gsi)
	if err != nil {
		return nil, err
	}

	if err := l.Bind(v.fd); err != nil {
		return nil, err
	}

	v.irqs[gsi] = l
	v.closers = append(v.closers, l)

	return l, nil
}

func (v *VM) allocVirtioGSI() uint32 {
	for v.nextGSI == gsiRTC {
		v.nextGSI++
	}

	gsi := v.nextGSI
	v.nextGSI++

	return gsi
}

// setupDevices wires the legacy I/O devices and paravirtual backends named
// by cfg onto the bus, and returns the boot image (entry point, command
// line, vCPU count) built from what was actually attached.
func (v *VM) setupDevices(cfg Config) (boot.Image, error) {
	if err := v.addLegacyDevices(); err != nil {
		return boot.Image{}, err
	}

	cmdline := cfg.Cmdline
	if cmdline == "" {
		cmdline = "console=ttyS0 root=/dev/vda rw init=/sbin/init"
	}

	mmioParams, err := v.addVirtioDevices(cfg)
	if err != nil {
		return boot.Image{}, err
	}

	for _, p := range mmioParams {
		cmdline += " " + p
	}

	entry, err := v.loadKernel(cfg)
	if err != nil {
		return boot.Image{}, err
	}

	initrdSize, err := v.loadInitrd(cfg)
	if err != nil {
		return boot.Image{}, err
	}

	return boot.Image{Entry: entry, Cmdline: cmdline, NCPUs: cfg.NCPUs, InitrdSize: initrdSize}, nil
}

// loadInitrd loads cfg.InitrdPath, if set, at boot.InitrdAddr and returns
// its size. It returns 0 with no error when no initrd was requested.
func (v *VM) loadInitrd(cfg Config) (uint32, error) {
	if cfg.InitrdPath == "" {
		return 0, nil
	}

	f, err := os.Open(cfg.InitrdPath)
	if err != nil {
		return 0, errors.Wrap(err, "vmm: open initrd")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "vmm: stat initrd")
	}

	n, err := f.ReadAt(v.mem.Bytes()[boot.InitrdAddr:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, errors.Wrap(err, "vmm: read initrd")
	}

	if int64(n) != info.Size() {
		return 0, errors.Errorf("vmm: initrd truncated: read %d of %d bytes", n, info.Size())
	}

	return uint32(n), nil
}

func (v *VM) addLegacyDevices() error {
	kbdIRQ, err := v.line(gsiKeyboard)
	if err != nil {
		return err
	}

	v.bus.AddIODevice(legacyio.NewKeyboardController(kbdIRQ))

	com1IRQ, err := v.line(gsiCOM1or3)
	if err != nil {
		return err
	}

	v.console = legacyio.NewUART(legacyio.COM1, com1IRQ, os.Stdout, v.log)
	v.bus.AddIODevice(v.console)

	com2IRQ, err := v.line(gsiCOM2or4)
	if err != nil {
		return err
	}

	v.bus.AddIODevice(legacyio.NewUART(legacyio.COM2, com2IRQ, io.Discard, v.log))
	v.bus.AddIODevice(legacyio.NewUART(legacyio.COM3, com1IRQ, io.Discard, v.log))
	v.bus.AddIODevice(legacyio.NewUART(legacyio.COM4, com2IRQ, io.Discard, v.log))

	v.bus.AddIODevice(legacyio.NewRTC())

	v.shutdown = iodev.NewACPIShutDownDevice(v.log)
	v.bus.AddIODevice(v.shutdown)

	v.bus.AddIODevice(iodev.NewNoopDevice(0x3b0, 0x10)) // VGA/video BIOS probe range

	return nil
}

// addVirtioDevices attaches the RNG backend unconditionally, and the block
// and network backends when cfg names a backing file / tap interface. It
// returns the virtio_mmio.device kernel command-line fragments the loaded
// guest needs to find each device without PCI enumeration.
func (v *VM) addVirtioDevices(cfg Config) ([]string, error) {
	var params []string

	mmioIndex := 0

	addTransport := func(dev virtio.Device, gsi uint32, irq *irqline.Line) string {
		base := uint64(mmioBase + mmioStride*mmioIndex)
		mmioIndex++

		tr := mmio.New(base, mmioStride, irq, dev, v.log)
		v.bus.AddMMIODevice(tr)

		return fmt.Sprintf("virtio_mmio.device=%#x@%#x:%d", mmioStride, base, gsi)
	}

	rngGSI := v.allocVirtioGSI()

	rngIRQ, err := v.line(rngGSI)
	if err != nil {
		return nil, err
	}

	rng := virtio.NewRNG(v.mem.Bytes(), rngIRQ, v.log)
	params = append(params, addTransport(rng, rngGSI, rngIRQ))

	if cfg.DiskPath != "" {
		blkGSI := v.allocVirtioGSI()

		blkIRQ, err := v.line(blkGSI)
		if err != nil {
			return nil, err
		}

		blk, err := virtio.NewBlk(cfg.DiskPath, v.mem.Bytes(), blkIRQ, v.log)
		if err != nil {
			return nil, errors.Wrap(err, "vmm: open disk")
		}

		v.closers = append(v.closers, blk)
		params = append(params, addTransport(blk, blkGSI, blkIRQ))
	}

	if cfg.TapName != "" {
		t, err := tap.New(cfg.TapName)
		if err != nil {
			return nil, errors.Wrap(err, "vmm: open tap")
		}

		v.closers = append(v.closers, t)

		netGSI := v.allocVirtioGSI()

		netIRQ, err := v.line(netGSI)
		if err != nil {
			return nil, err
		}

		net := virtio.NewNet(v.mem.Bytes(), t, netIRQ, v.log)
		params = append(params, addTransport(net, netGSI, netIRQ))

		go net.RxLoop()
		go net.TxLoop()

		v.closers = append(v.closers, netCloser{net})
	}

	return params, nil
}

type netCloser struct{ n *virtio.Net }

func (c netCloser) Close() error { c.n.Stop(); return nil }

// loadKernel loads an ELF64 vmlinux or a bzImage at KernelPath into guest
// memory and returns the 64-bit entry point this VMM's fixed long-mode
// register state should start executing at.
func (v *VM) loadKernel(cfg Config) (uint64, error) {
	f, err := os.Open(cfg.KernelPath)
	if err != nil {
		return 0, errors.Wrap(err, "vmm: open kernel")
	}
	defer f.Close()

	mem := v.mem.Bytes()

	if ef, err := elf.NewFile(f); err == nil {
		for _, p := range ef.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}

			n, err := p.ReadAt(mem[p.Paddr:], 0)
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, errors.Wrapf(err, "vmm: load elf segment @%#x", p.Paddr)
			}

			v.log.WithFields(logrus.Fields{"paddr": p.Paddr, "bytes": n}).Debug("vmm: loaded elf segment")
		}

		return ef.Entry, nil
	}

	hdr, err := bootproto.New(f)
	if err != nil {
		return 0, errors.Wrap(err, "vmm: not an ELF or bzImage kernel")
	}

	n, err := f.ReadAt(mem[boot.HighMemBase:], hdr.KernelOffset())
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, errors.Wrap(err, "vmm: read bzimage payload")
	}

	if n == 0 {
		return 0, errors.New("vmm: bzimage payload is empty")
	}

	// The 64-bit entry point of a bzImage built for direct long-mode entry
	// sits 0x200 bytes into the loaded image, past the legacy 32-bit
	// decompressor stub.
	return boot.HighMemBase + 0x200, nil
}

func (v *VM) setupCPUs(cfg Config, img boot.Image) error {
	v.singleStep = cfg.SingleStep

	mmapSize, err := v.kvm.VCPUMMapSize()
	if err != nil {
		return err
	}

	cpuid, err := boot.PrepareCPUID(v.kvm.Fd(), cfg.NCPUs)
	if err != nil {
		return err
	}

	regs := boot.Regs(img.Entry)
	sregs := boot.Sregs()
	fpu := boot.FPU()

	for i := 0; i < cfg.NCPUs; i++ {
		fd, err := kvm.CreateVCPU(v.fd, i)
		if err != nil {
			return err
		}

		run, raw, err := kvm.MMapRunData(fd, mmapSize)
		if err != nil {
			return err
		}

		if err := kvm.SetCPUID2(fd, cpuid); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set cpuid2", i)
		}

		if err := kvm.SetRegs(fd, &regs); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set regs", i)
		}

		if err := kvm.SetSregs(fd, &sregs); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set sregs", i)
		}

		if err := kvm.SetFPU(fd, &fpu); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set fpu", i)
		}

		if err := kvm.SetMSRs(fd, []kvm.MSREntry{
			{Index: kvm.MSRIA32MiscEnable, Data: kvm.MSRFastStringEnable},
		}); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set msrs", i)
		}

		if err := kvm.SetLVT0ExtINTLVT1NMI(fd); err != nil {
			return errors.Wrapf(err, "vmm: cpu %d set lapic lvt", i)
		}

		v.cpus = append(v.cpus, &vcpu{
			id:      i,
			fd:      fd,
			run:     run,
			runRaw:  raw,
			vm:      v,
			log:     v.log.WithField("cpu", i),
			stop:    v.stopCh,
			stopped: make(chan struct{}),
		})
	}

	return nil
}

// AddIODevice registers an additional port-I/O device directly on the bus,
// for callers (tests, tooling) that construct their own devices outside
// Config.
func (v *VM) AddIODevice(dev device.IODevice) { v.bus.AddIODevice(dev) }

// AddMMIODevice registers an additional MMIO device directly on the bus.
func (v *VM) AddMMIODevice(dev device.MMIODevice) { v.bus.AddMMIODevice(dev) }

// RunCPU starts vCPU i's exit loop on its own goroutine and returns
// immediately.
func (v *VM) RunCPU(i int) {
	go v.cpus[i].runLoop()
}

// Wait blocks until every vCPU's exit loop has returned.
func (v *VM) Wait() {
	for _, c := range v.cpus {
		<-c.stopped
	}
}

// ShutdownRequests reports guest-initiated ACPI reboot/power-off requests.
func (v *VM) ShutdownRequests() <-chan iodev.ShutdownRequest {
	return v.shutdown.Requests
}

// FeedConsole delivers host-read input bytes to the guest's primary serial
// console.
func (v *VM) FeedConsole(data []byte) {
	v.console.FillRX(data)
}

// Stop requests every vCPU to treat its next exit as terminal.
func (v *VM) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

// Close stops the VM (if not already) and releases every host resource:
// device fds, interrupt lines, guest memory, and the hypervisor fds.
func (v *VM) Close() error {
	v.Stop()

	for _, c := range v.closers {
		if err := c.Close(); err != nil {
			v.log.WithError(err).Warn("vmm: close resource failed")
		}
	}

	if v.mem != nil {
		if err := v.mem.Unmap(); err != nil {
			v.log.WithError(err).Warn("vmm: unmap guest memory failed")
		}
	}

	if v.kvm != nil {
		return v.kvm.Close()
	}

	return nil
}
