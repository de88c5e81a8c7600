package sdspi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// resetAttempts bounds CMD0 retries before concluding no card is
	// wired to the bus at all.
	resetAttempts = 5

	// negotiationAttempts bounds the ACMD41 loop that waits for the card
	// to finish its internal power-up.
	negotiationAttempts = 200

	// hcsBit tells a v2 card during ACMD41 that the host can handle
	// high-capacity (block-addressed) operation.
	hcsBit = 1 << 30

	// checkPattern is the CMD8 argument: 2.7-3.6V supply plus the 0xAA
	// echo pattern. [SD-PHY|7.3.1.4]
	checkPattern = 0x1AA
)

// initState enumerates the initialization handshake. The handshake runs
// exactly once, at construction, and either reaches stateDone or fails.
type initState int

const (
	statePreamble initState = iota
	stateReset
	stateProbe
	stateNegotiateV1
	stateNegotiateV2
	stateReadCSD
	stateSetBlockLength
	stateSpeedUp
	stateDone
)

// initialize drives the handshake state machine to completion.
func (c *Card) initialize() error {
	for st := statePreamble; st != stateDone; {
		var err error
		st, err = c.initStep(st)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Card) initStep(st initState) (initState, error) {
	switch st {
	case statePreamble:
		return c.preamble()
	case stateReset:
		return c.reset()
	case stateProbe:
		return c.probeVersion()
	case stateNegotiateV1:
		return c.negotiateV1()
	case stateNegotiateV2:
		return c.negotiateV2()
	case stateReadCSD:
		return c.readCSD()
	case stateSetBlockLength:
		return c.setBlockLength()
	case stateSpeedUp:
		return c.speedUp()
	}
	return stateDone, fmt.Errorf("sdspi: invalid init state %d", st)
}

// preamble fixes the bus at the low negotiation rate and runs at least 80
// clock cycles with the card deselected. The card needs to observe clock
// edges before it will latch its first command. [SD-PHY|6.4.1]
func (c *Card) preamble() (initState, error) {
	if err := c.t.Clock(c.initClock); err != nil {
		return 0, err
	}
	if err := c.t.ClockDeselected(10); err != nil {
		return 0, err
	}
	return stateReset, nil
}

// reset issues GO_IDLE_STATE until the card answers with exactly the idle
// bit, which also switches it into SPI mode.
func (c *Card) reset() (initState, error) {
	for i := 0; i < resetAttempts; i++ {
		var r R1
		err := c.exec(func() (err error) {
			r, err = c.command(cmdGoIdleState, 0, crcCmd0)
			return err
		})
		if err == nil && r == 0x01 {
			return stateProbe, nil
		}
		if err != nil && !errors.Is(err, ErrCmdTimeout) {
			return 0, err
		}
	}
	return 0, ErrNoCard
}

// probeVersion issues SEND_IF_COND. v2 cards echo the check pattern and
// answer idle; v1 cards do not know the command and flag it illegal.
// Anything else is not an SD card this driver can talk to.
func (c *Card) probeVersion() (initState, error) {
	var r R1
	r7 := make([]byte, 4)
	err := c.exec(func() (err error) {
		r, err = c.commandRead(cmdSendIfCond, checkPattern, crcCmd8, r7)
		return err
	})
	if err != nil {
		return 0, err
	}
	switch r {
	case 0x01: // idle only: the card understood CMD8
		c.version = SD2
		return stateNegotiateV2, nil
	case 0x05: // idle + illegal command: pre-v2 card
		c.version = SD1
		return stateNegotiateV1, nil
	}
	return 0, fmt.Errorf("%w: CMD8 response %s", ErrUnknownCard, r)
}

// negotiateV1 loops APP_CMD + ACMD41 until the card clears its idle bit.
// v1 cards are always byte addressed, so cdv stays at 512.
func (c *Card) negotiateV1() (initState, error) {
	for i := 0; i < negotiationAttempts; i++ {
		var r R1
		err := c.exec(func() (err error) {
			if _, err = c.command(cmdAppCmd, 0, 0); err != nil {
				return err
			}
			r, err = c.command(cmdAppSendOpCond, 0, 0)
			return err
		})
		if err == nil && r == 0 {
			return stateReadCSD, nil
		}
		if err != nil && !errors.Is(err, ErrCmdTimeout) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w (v1 card)", ErrNegotiationTimeout)
}

// negotiateV2 loops READ_OCR + APP_CMD + ACMD41 (with the high-capacity
// support bit) until the card clears its idle bit, then re-reads the OCR:
// its capacity status bit decides whether block commands take block numbers
// or byte offsets.
func (c *Card) negotiateV2() (initState, error) {
	ocr := make([]byte, 4)
	for i := 0; i < negotiationAttempts; i++ {
		time.Sleep(c.retryDelay)

		var r R1
		err := c.exec(func() (err error) {
			if _, err = c.commandRead(cmdReadOCR, 0, 0, ocr); err != nil {
				return err
			}
			if _, err = c.command(cmdAppCmd, 0, 0); err != nil {
				return err
			}
			r, err = c.command(cmdAppSendOpCond, hcsBit, 0)
			return err
		})
		if err != nil {
			if !errors.Is(err, ErrCmdTimeout) {
				return 0, err
			}
			continue
		}
		if r != 0 {
			continue
		}

		err = c.exec(func() (err error) {
			_, err = c.commandRead(cmdReadOCR, 0, 0, ocr)
			return err
		})
		if err != nil {
			return 0, err
		}
		if OCR(binary.BigEndian.Uint32(ocr)).HighCapacity() {
			c.cdv = 1
			c.version = SDHC
		}
		return stateReadCSD, nil
	}
	return 0, fmt.Errorf("%w (v2 card)", ErrNegotiationTimeout)
}

// readCSD fetches the capacity register and derives the sector count.
func (c *Card) readCSD() (initState, error) {
	var csd CSD
	var r R1
	err := c.exec(func() (err error) {
		r, err = c.commandData(cmdSendCSD, 0, 0, csd[:])
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reading CSD: %w", err)
	}
	if r != 0 {
		return 0, &CommandError{Cmd: cmdSendCSD, Response: r}
	}
	sectors, err := csd.Sectors()
	if err != nil {
		return 0, err
	}
	c.sectors = sectors
	return stateSetBlockLength, nil
}

// setBlockLength pins the transfer unit at 512 bytes. High-capacity cards
// are fixed there anyway; standard cards may default elsewhere.
func (c *Card) setBlockLength() (initState, error) {
	var r R1
	err := c.exec(func() (err error) {
		r, err = c.command(cmdSetBlocklen, BlockSize, 0)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBlockLength, err)
	}
	if r != 0 {
		return 0, fmt.Errorf("%w: CMD16 response %s", ErrBlockLength, r)
	}
	return stateSpeedUp, nil
}

// speedUp moves the bus to the full data rate. One-way: the card never goes
// back to the negotiation rate.
func (c *Card) speedUp() (initState, error) {
	if err := c.t.Clock(c.fullClock); err != nil {
		return 0, err
	}
	c.highSpeed = true
	return stateDone, nil
}
