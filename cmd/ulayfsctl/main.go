// ulayfsctl is a small diagnostic tool: it resolves the engine's
// configuration from the environment the same way the library itself
// does and prints it, so a deployment can check what it would get
// without touching a PMEM file. Given a path, it also opens that file
// through the engine (creating it if absent) and reports its size.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ulayfs/ulayfs-go/internal/config"
	"github.com/ulayfs/ulayfs-go/internal/pmemfile"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [path]\n\nPrints the resolved configuration. If path is given, also reports its committed size.\n", os.Args[0])
	}
	flag.Parse()

	opts := config.Load()
	if opts.ShowConfig {
		fmt.Fprintf(os.Stderr, "%+v\n", opts)
	}

	if flag.NArg() == 0 {
		printOpts(opts)
		return
	}

	size, err := fileSize(flag.Arg(0), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ulayfsctl: %v\n", err)
		os.Exit(1)
	}
	printOpts(opts)
	fmt.Printf("size: %d bytes\n", size)
}

func fileSize(path string, opts config.Options) (uint64, error) {
	f, err := pmemfile.Open(path, opts)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return f.Fstat()
}

func printOpts(opts config.Options) {
	fmt.Printf("strict_offset_serial: %v\n", opts.StrictOffsetSerial)
	fmt.Printf("show_config: %v\n", opts.ShowConfig)
	fmt.Printf("log_file: %q\n", opts.LogFile)
	fmt.Printf("debug_level: %d\n", opts.DebugLevel)
}
