package main

import (
	"flag"
	"os"

	"github.com/gentam/sdspi"
)

func writeCommand(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	bus, cs := busFlags(fs)
	var (
		block    uint
		filename string
	)
	fs.UintVar(&block, "b", 0, "first block to write")
	fs.StringVar(&filename, "f", "", "input file")
	fs.Parse(args)

	if filename == "" {
		fatalUsage("input file is required")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		fatalf("failed to read file: %v", err)
	}
	if len(data) == 0 {
		fatalUsage("input file is empty")
	}
	// pad the tail up to a whole block
	if rem := len(data) % sdspi.BlockSize; rem != 0 {
		data = append(data, make([]byte, sdspi.BlockSize-rem)...)
	}

	card, err := openCard(*bus, *cs)
	if err != nil {
		fatalf("%v", err)
	}

	if err := card.WriteBlocks(uint32(block), data); err != nil {
		fatalf("write card failed: %v", err)
	}
}
