package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/gentam/sdspi"
)

func readCommand(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	bus, cs := busFlags(fs)
	var (
		block   uint
		nblocks uint
		outFile string
	)
	fs.UintVar(&block, "b", 0, "first block to read")
	fs.UintVar(&nblocks, "n", 1, "number of blocks to read")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	if nblocks == 0 {
		fatalUsage("block count must be positive")
	}

	card, err := openCard(*bus, *cs)
	if err != nil {
		fatalf("%v", err)
	}

	buf := make([]byte, nblocks*sdspi.BlockSize)
	if err := card.ReadBlocks(uint32(block), buf); err != nil {
		fatalf("read card failed: %v", err)
	}

	if outFile == "" {
		fmt.Println(hex.Dump(buf))
		return
	}
	if err := os.WriteFile(outFile, buf, 0644); err != nil {
		fmt.Fprintln(os.Stderr, "write file failed:", err)
	}
}
