// Command starina boots the capability kernel's VMM shell or runs its
// selftest suite, mirroring gokvm's boot/probe subcommand split.
package main

import (
	"fmt"
	"os"
)

func main() {
	bootArgs, selftestArgs, err := ParseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case bootArgs != nil:
		err = runBoot(bootArgs)
	case selftestArgs != nil:
		err = runSelftest()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
