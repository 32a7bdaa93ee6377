package flag

import "github.com/vmpostcopy/postcopyd/vmm"

// Config bundles the parameters vmm.New needs to bring up a Machine,
// shared by the boot and migrate subcommands. An alias to vmm.Config,
// which owns the real definition so that package vmm need not import
// package flag (it is flag that dispatches into vmm, not the reverse).
type Config = vmm.Config

// CLI is the kong root command, dispatched by Parse in runs.go.
type CLI struct {
	Boot     BootCMD     `cmd:"" help:"boot a guest"`
	Probe    ProbeCMD    `cmd:"" help:"probe kvm capabilities"`
	Postcopy PostcopyCMD `cmd:"" help:"run the post-copy migration source or destination daemon"`
}

// BootCMD boots a guest directly, with no migration involved.
type BootCMD struct {
	Dev        string `name:"dev" short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `name:"kernel" short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `name:"initrd" short:"i" default:"" help:"initrd path"`
	Params     string `name:"params" short:"p" default:"" help:"kernel command-line parameters"`
	TapIfName  string `name:"tap" short:"t" default:"" help:"name of tap interface"`
	Disk       string `name:"disk" short:"d" default:"" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `name:"cpus" short:"c" default:"1" help:"number of cpus"`
	MemSize    string `name:"mem" short:"m" default:"1G" help:"memory size: number[gGmM]"`
	TraceCount string `name:"trace" short:"T" default:"0" help:"instructions to skip between trace prints"`
}

// ProbeCMD reports the host's KVM capabilities.
type ProbeCMD struct{}

// PostcopyCMD drives either side of a post-copy live migration (SPEC_FULL.md
// §1): the source engine (spec §4.2) when Role is "source", or the
// destination daemon plus ingestor (spec §4.3, §4.4) when Role is
// "destination".
type PostcopyCMD struct {
	Role string `name:"role" enum:"source,destination" required:"" help:"source or destination"`

	Dev    string `name:"dev" default:"/dev/kvm" help:"path of kvm device"`
	Kernel string `name:"kernel" short:"k" default:"./bzImage" help:"kernel image path (destination only)"`
	Initrd string `name:"initrd" short:"i" default:"" help:"initrd path (destination only)"`
	Params string `name:"params" short:"p" default:"" help:"kernel command-line parameters (destination only)"`
	NCPUs  int    `name:"cpus" short:"c" default:"1" help:"number of cpus"`
	MemSize string `name:"mem" short:"m" default:"1G" help:"memory size: number[gGmM]"`

	Channel string `name:"channel" required:"" help:"path to the duplex migration channel (unix socket or fifo pair base path)"`

	PrefaultForward  int  `name:"prefault-forward" default:"0" help:"pages to speculatively send after a demand fault"`
	PrefaultBackward int  `name:"prefault-backward" default:"0" help:"pages to speculatively send before a demand fault"`
	MoveBackground   bool `name:"move-background" help:"reposition the background scan cursor near recently demanded pages"`

	RateLimitBytesPerSec int64 `name:"rate-limit" default:"0" help:"background scan rate limit in bytes/sec, 0 disables limiting"`

	PrecopyUsed bool `name:"precopy-used" help:"a pre-copy pass already ran; transmit the clean bitmap at post-copy begin (source only)"`
}
