package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gentam/sdspi"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	sdspi <command> [arguments]

Commands:
	info	 print card version and capacity
	read	 read blocks from the card
	write	 write blocks to the card
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	switch cmd := flag.Arg(0); cmd {
	case "info":
		infoCommand(flag.Args()[1:])
	case "read":
		readCommand(flag.Args()[1:])
	case "write":
		writeCommand(flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

// busFlags adds the SPI port / chip-select flags shared by all commands.
func busFlags(fs *flag.FlagSet) (bus, cs *string) {
	bus = fs.String("bus", "", "SPI port name (default: first available)")
	cs = fs.String("cs", "GPIO22", "chip-select GPIO name")
	return bus, cs
}

// openCard opens the SPI bus and chip-select pin, then runs the card
// initialization handshake.
func openCard(busName, csName string) (*sdspi.Card, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host initialization failed: %w", err)
	}

	port, err := spireg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	// The port's own chip select stays unused: the card must remain
	// selected across the several transfers of one transaction.
	cs := gpioreg.ByName(csName)
	if cs == nil {
		return nil, fmt.Errorf("unknown chip-select pin %q", csName)
	}

	tr, err := sdspi.NewSPITransport(port, cs)
	if err != nil {
		return nil, err
	}
	return sdspi.New(tr)
}
