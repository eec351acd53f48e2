package flag

// CLI is the top-level kong command tree: boot a guest, or probe the host's
// KVM capabilities.
type CLI struct {
	Verbose bool `help:"enable debug-level logging." short:"v"`

	Boot  BootCmd  `cmd:"" help:"boot a guest kernel."`
	Probe ProbeCmd `cmd:"" help:"report the host's KVM capabilities."`
}

// BootCmd boots a guest kernel under KVM.
type BootCmd struct {
	Kernel string `default:"./bzImage" help:"kernel image path (vmlinux ELF or bzImage)." short:"k"`
	Initrd string `help:"initrd path."                                                   short:"i"`
	Params string `help:"kernel command-line parameters."                                short:"p"`

	MemSize string `default:"1G" help:"guest memory size, as number[kKmMgG]."   short:"m"`
	NCPUs   int    `default:"1"  help:"number of vCPUs."                        short:"c"`

	TapIfName string `help:"tap interface name for the network device."        short:"t"`
	Disk      string `help:"path of a raw disk image, exposed as /dev/vda."    short:"d"`

	SingleStep bool `help:"single-step every vCPU and log each debug trap."`
}

// ProbeCmd reports the host's KVM capabilities without booting anything.
type ProbeCmd struct{}
