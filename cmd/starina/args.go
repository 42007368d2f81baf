package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSubcommand is returned when the first argument isn't a
// recognized subcommand.
var ErrInvalidSubcommand = errors.New("expected 'boot' or 'selftest' subcommand")

// BootArgs configures a boot run: the Linux guest image and initrd to
// hand the VMM shell, how much guest memory and how many vCPUs to
// describe (kernel/vcpu stubs actual execution, so these only size the
// wiring), and a tap interface name, which runBoot only reports in its
// boot banner (no tap device is opened).
type BootArgs struct {
	Kernel    string
	Initrd    string
	Params    string
	MemSize   int
	NCPUs     int
	TapIfName string
}

func parseBootArgs(args []string) (*BootArgs, error) {
	bootCmd := flag.NewFlagSet("boot", flag.ExitOnError)
	c := &BootArgs{}

	bootCmd.StringVar(&c.Kernel, "k", "./bzImage", "guest kernel image path")
	bootCmd.StringVar(&c.Initrd, "i", "", "guest initrd path")
	bootCmd.StringVar(&c.Params, "p", "console=ttyS0 earlyprintk=serial", "guest kernel command-line parameters")
	bootCmd.StringVar(&c.TapIfName, "t", "", "tap interface name (shown in the boot banner only; no tap device is opened)")
	bootCmd.IntVar(&c.NCPUs, "c", 1, "number of vCPUs")
	msize := bootCmd.String("m", "256M", "guest memory size: as number[gGmMkK]")

	if err := bootCmd.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	return c, nil
}

// SelftestArgs configures a selftest run; it takes no flags today but
// keeps the same FlagSet shape as BootArgs for symmetry.
type SelftestArgs struct{}

func parseSelftestArgs(args []string) (*SelftestArgs, error) {
	cmd := flag.NewFlagSet("selftest", flag.ExitOnError)
	c := &SelftestArgs{}

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args-shaped args to the boot or selftest
// subcommand parser.
func ParseArgs(args []string) (*BootArgs, *SelftestArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		conf, err := parseBootArgs(args[2:])

		return conf, nil, err

	case "selftest":
		conf, err := parseSelftestArgs(args[2:])

		return nil, conf, err
	}

	return nil, nil, ErrInvalidSubcommand
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if absent, unit is used instead.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
