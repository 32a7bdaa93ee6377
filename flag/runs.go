package flag

import (
	"fmt"
	"log"

	"github.com/alecthomas/kong"
	"github.com/vmpostcopy/postcopyd/probe"
	"github.com/vmpostcopy/postcopyd/vmm"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
		`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	c := &Config{
		Dev:        s.Dev,
		Kernel:     s.Kernel,
		Initrd:     s.Initrd,
		Params:     defparams,
		TapIfName:  s.TapIfName,
		Disk:       s.Disk,
		NCPUs:      s.NCPUs,
		MemSize:    memSize,
		TraceCount: traceC,
	}

	vmm := vmm.New(*c)

	if err := vmm.Init(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (p *PostcopyCMD) Run() error {
	memSize, err := ParseSize(p.MemSize, "g")
	if err != nil {
		return err
	}

	cfg := vmm.PostcopyConfig{
		Dev:     p.Dev,
		Kernel:  p.Kernel,
		Initrd:  p.Initrd,
		Params:  p.Params,
		NCPUs:   p.NCPUs,
		MemSize: memSize,

		Channel: p.Channel,

		PrefaultForward:  p.PrefaultForward,
		PrefaultBackward: p.PrefaultBackward,
		MoveBackground:   p.MoveBackground,

		RateLimitBytesPerSec: p.RateLimitBytesPerSec,
		PrecopyUsed:          p.PrecopyUsed,
	}

	switch p.Role {
	case "source":
		return vmm.RunPostcopySource(cfg)
	case "destination":
		return vmm.RunPostcopyDestination(cfg)
	default:
		return fmt.Errorf("postcopy: unknown role %q", p.Role)
	}
}
