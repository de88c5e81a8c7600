package sdspi

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Transport is the exclusive-access SPI channel the driver speaks through.
// The card latches commands only while selected, so every method except
// ClockDeselected is meaningful between Acquire and Release only. The engine
// holds the transport for one full logical transaction at a time: a single
// command-response cycle, or a whole multi-block transfer including its stop
// token.
type Transport interface {
	// Acquire takes exclusive use of the bus and selects the card.
	Acquire() error
	// Release deselects the card, clocks it a few trailing cycles so it
	// lets go of the data line, and gives the bus back.
	Release() error
	// Write shifts out p. Whatever the card returns is discarded.
	Write(p []byte) error
	// ReadInto fills p with bytes from the card while shifting out fill on
	// every clock. SPI is full duplex: the card only produces output while
	// the host keeps the clock running.
	ReadInto(p []byte, fill byte) error
	// Clock reconfigures the bus clock rate. The engine calls it once with
	// the low negotiation rate before any traffic and once more after
	// initialization succeeds.
	Clock(f physic.Frequency) error
	// ClockDeselected shifts out n filler bytes with the card deselected.
	ClockDeselected(n int) error
}

// fillBlock is a ready-made run of 0xFF filler, sized for one data block
// plus its CRC.
var fillBlock = func() []byte {
	b := make([]byte, BlockSize+2)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

func fillSlice(n int, fill byte) []byte {
	if fill == 0xFF && n <= len(fillBlock) {
		return fillBlock[:n]
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

// SPITransport drives the card through a periph.io SPI port with a dedicated
// GPIO chip-select line. A plain GPIO is used instead of the port's own chip
// select so the card can stay selected across several Tx calls of one
// transaction, the same way the FT232H wiring dedicates a GPIO per slave.
type SPITransport struct {
	port spi.Port
	cs   gpio.PinIO

	mu   sync.Mutex
	conn spi.Conn
}

// NewSPITransport wraps port and cs as a card transport. The chip select is
// driven high (deselected) immediately. The port is not connected until the
// first Clock call; ports that cannot reconnect at a new rate will fail on
// the post-initialization speed change.
func NewSPITransport(port spi.Port, cs gpio.PinIO) (*SPITransport, error) {
	if err := cs.Out(gpio.High); err != nil {
		return nil, err
	}
	return &SPITransport{port: port, cs: cs}, nil
}

func (t *SPITransport) Clock(f physic.Frequency) error {
	// [FTDI AN_114|1.2] and most SD breakouts use mode 0
	conn, err := t.port.Connect(f, spi.Mode0, 8)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *SPITransport) Acquire() error {
	t.mu.Lock()
	if err := t.cs.Out(gpio.Low); err != nil {
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *SPITransport) Release() (err error) {
	defer t.mu.Unlock()
	err = t.cs.Out(gpio.High)
	// 8 trailing clocks after deselect so the card releases MISO
	if txErr := t.conn.Tx(fillBlock[:1], nil); err == nil {
		err = txErr
	}
	return err
}

func (t *SPITransport) Write(p []byte) error {
	return t.conn.Tx(p, nil)
}

func (t *SPITransport) ReadInto(p []byte, fill byte) error {
	return t.conn.Tx(fillSlice(len(p), fill), p)
}

func (t *SPITransport) ClockDeselected(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cs.Out(gpio.High); err != nil {
		return err
	}
	for n > 0 {
		chunk := min(n, len(fillBlock))
		if err := t.conn.Tx(fillBlock[:chunk], nil); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
