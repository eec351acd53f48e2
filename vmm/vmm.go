// Package vmm assembles a bootable guest from a Config and drives it to
// completion: it owns the VM container, the console input pump, and the
// signal/ACPI shutdown plumbing a CLI entrypoint needs.
package vmm

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kvmlite/vmm/iodev"
	"github.com/kvmlite/vmm/term"
)

// Run builds the guest described by cfg, boots every vCPU, and blocks until
// the guest halts, asks to be shut down, or the host is asked to interrupt
// it.
func Run(cfg Config, log logrus.FieldLogger) error {
	vm, err := New(cfg, log)
	if err != nil {
		return err
	}
	defer vm.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go pumpConsole(vm, log)

	go func() {
		select {
		case <-sigCh:
			log.Info("vmm: interrupted, stopping guest")
			vm.Stop()
		case req := <-vm.ShutdownRequests():
			log.WithField("reboot", req == iodev.RequestReboot).Info("vmm: guest requested shutdown")
			vm.Stop()
		}
	}()

	for i := 0; i < cfg.NCPUs; i++ {
		fmt.Fprintf(os.Stderr, "vmm: starting cpu %d of %d\n", i, cfg.NCPUs)
		vm.RunCPU(i)
	}

	vm.Wait()
	fmt.Fprintln(os.Stderr, "vmm: all cpus stopped")

	return nil
}

// pumpConsole forwards stdin to the guest's serial console when stdin is an
// interactive terminal, switching it to raw mode and watching for the
// Ctrl-A,x escape, which stops the guest. When stdin is not a terminal it
// returns at once and nothing is forwarded.
func pumpConsole(vm *VM, log logrus.FieldLogger) {
	if !term.IsTerminal() {
		return
	}

	restore, err := term.SetRawMode()
	if err != nil {
		log.WithError(err).Warn("vmm: set raw terminal mode failed")

		return
	}
	defer restore()

	in := bufio.NewReader(os.Stdin)

	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if prev == 0x01 && b == 'x' {
			restore()
			vm.Stop()

			return
		}

		vm.FeedConsole([]byte{b})
		prev = b
	}
}
