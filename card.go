package sdspi

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// BlockSize is the transfer unit of the card. Every buffer passed to
// ReadBlocks or WriteBlocks must be a non-zero multiple of it.
const BlockSize = 512

// CardVersion identifies the negotiated card generation.
type CardVersion int

const (
	SD1  CardVersion = iota + 1 // standard capacity, v1 command set
	SD2                         // standard capacity, v2 command set
	SDHC                        // high capacity, block addressed
)

func (v CardVersion) String() string {
	switch v {
	case SD1:
		return "SD v1"
	case SD2:
		return "SD v2"
	case SDHC:
		return "SDHC"
	}
	return "unknown"
}

// Card is an initialized SD card in SPI mode. One Card owns one physical
// card; it is not safe for concurrent use, and a host with several cards
// needs one Card per transport. All methods block until the card answers or
// a polling bound runs out.
type Card struct {
	t Transport

	version CardVersion
	sectors uint32
	// cdv converts block numbers into command arguments: 512 while the
	// card is byte addressed, 1 once block addressing is confirmed.
	cdv       uint32
	highSpeed bool

	initClock    physic.Frequency
	fullClock    physic.Frequency
	retryDelay   time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	cmdbuf [6]byte
}

// New runs the initialization handshake over t and returns the card ready
// for block transfers. Any failure during the handshake is fatal; there is
// no partially initialized card.
func New(t Transport, opts ...Option) (*Card, error) {
	c := &Card{
		t:   t,
		cdv: 512,

		initClock:    250 * physic.KiloHertz,
		fullClock:    1320 * physic.KiloHertz,
		retryDelay:   50 * time.Millisecond,
		readTimeout:  300 * time.Millisecond,
		writeTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

// SectorCount returns the card capacity as a count of 512-byte blocks.
func (c *Card) SectorCount() uint32 { return c.sectors }

// Size returns the card capacity in bytes.
func (c *Card) Size() int64 { return int64(c.sectors) * BlockSize }

// Version returns the card generation determined during initialization.
func (c *Card) Version() CardVersion { return c.version }

// exec runs fn while the transport is exclusively held, releasing it on
// every exit path.
func (c *Card) exec(fn func() error) (err error) {
	if err = c.t.Acquire(); err != nil {
		return err
	}
	defer func() {
		if relErr := c.t.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	err = fn()
	return
}
