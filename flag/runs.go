package flag

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/probe"
	"github.com/kvmlite/vmm/vmm"
)

// Parse builds the CLI tree from os.Args and runs whichever subcommand the
// operator chose.
func Parse() error {
	log := logrus.New()
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("vmm"),
		kong.Description("vmm is a small Linux KVM hypervisor which boots a kernel directly"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Bind(log))

	if c.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	return ctx.Run()
}

func (p *ProbeCmd) Run(log *logrus.Logger) error {
	return probe.Capabilities(log)
}

func (b *BootCmd) Run(log *logrus.Logger) error {
	memSize, err := ParseSize(b.MemSize, "g")
	if err != nil {
		return err
	}

	cfg := vmm.Config{
		MemSize:    uint64(memSize),
		NCPUs:      b.NCPUs,
		KernelPath: b.Kernel,
		InitrdPath: b.Initrd,
		Cmdline:    b.Params,
		DiskPath:   b.Disk,
		TapName:    b.TapIfName,
		SingleStep: b.SingleStep,
	}

	if cfg.NCPUs < 1 {
		return fmt.Errorf("number of vCPUs must be at least 1, got %d", cfg.NCPUs)
	}

	return vmm.Run(cfg, log)
}
