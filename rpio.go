package sdspi

import (
	"sync"

	rpio "github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/physic"
)

// RPIOTransport drives the card through the Raspberry Pi's SPI controller
// via go-rpio, with a spare GPIO as chip select. The controller's own CE
// lines toggle per transfer, which would deselect the card mid-transaction,
// so the card's CS must be wired to the given GPIO instead.
type RPIOTransport struct {
	dev rpio.SpiDev
	cs  rpio.Pin
	mu  sync.Mutex
}

// NewRPIOTransport claims the SPI controller and the chip-select GPIO
// (BCM numbering). Close releases both.
func NewRPIOTransport(dev rpio.SpiDev, csPin uint8) (*RPIOTransport, error) {
	if err := rpio.Open(); err != nil {
		return nil, err
	}
	if err := rpio.SpiBegin(dev); err != nil {
		rpio.Close()
		return nil, err
	}
	t := &RPIOTransport{dev: dev, cs: rpio.Pin(csPin)}
	t.cs.Output()
	t.cs.High()
	return t, nil
}

func (t *RPIOTransport) Close() error {
	rpio.SpiEnd(t.dev)
	return rpio.Close()
}

func (t *RPIOTransport) Clock(f physic.Frequency) error {
	rpio.SpiSpeed(int(f / physic.Hertz))
	return nil
}

func (t *RPIOTransport) Acquire() error {
	t.mu.Lock()
	t.cs.Low()
	return nil
}

func (t *RPIOTransport) Release() error {
	t.cs.High()
	// 8 trailing clocks after deselect so the card releases MISO
	rpio.SpiTransmit(fillByte)
	t.mu.Unlock()
	return nil
}

func (t *RPIOTransport) Write(p []byte) error {
	rpio.SpiTransmit(p...)
	return nil
}

func (t *RPIOTransport) ReadInto(p []byte, fill byte) error {
	for i := range p {
		p[i] = fill
	}
	rpio.SpiExchange(p)
	return nil
}

func (t *RPIOTransport) ClockDeselected(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cs.High()
	for i := 0; i < n; i++ {
		rpio.SpiTransmit(fillByte)
	}
	return nil
}
