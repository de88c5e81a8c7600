package main

import (
	"flag"
	"fmt"
)

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	bus, cs := busFlags(fs)
	fs.Parse(args)

	card, err := openCard(*bus, *cs)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("Version:  %s\n", card.Version())
	fmt.Printf("Sectors:  %d\n", card.SectorCount())
	fmt.Printf("Size:     %d MiB\n", card.Size()>>20)
}
