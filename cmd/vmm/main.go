// Command vmm boots a Linux kernel directly under KVM.
package main

import (
	"log"

	"github.com/kvmlite/vmm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
