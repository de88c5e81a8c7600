package sdspi

import (
	"fmt"
	"strings"
	"time"
)

// SD command set, SPI mode subset [SD-PHY|7.3.1.3]
const (
	cmdGoIdleState        = 0  // CMD0: reset into idle state
	cmdSendIfCond         = 8  // CMD8: voltage check, distinguishes v1/v2 cards
	cmdSendCSD            = 9  // CMD9
	cmdStopTransmission   = 12 // CMD12
	cmdSetBlocklen        = 16 // CMD16
	cmdReadSingleBlock    = 17 // CMD17
	cmdReadMultipleBlock  = 18 // CMD18
	cmdWriteBlock         = 24 // CMD24
	cmdWriteMultipleBlock = 25 // CMD25
	cmdAppSendOpCond      = 41 // ACMD41
	cmdAppCmd             = 55 // CMD55: escape for application commands
	cmdReadOCR            = 58 // CMD58
)

// Data transfer tokens [SD-PHY|7.3.3.2]
const (
	tokenData       = 0xFE // start of block, CMD17/18/24
	tokenMultiWrite = 0xFC // start of block, CMD25
	tokenStopTran   = 0xFD // end of CMD25 transfer
)

const (
	// fillByte keeps MOSI high while the host is only clocking for input.
	fillByte = 0xFF

	// cmdAttempts bounds response polling, in byte times.
	cmdAttempts = 200

	// Precomputed CRC7 frames; the CRC is ignored by the card once it is
	// in SPI mode, but CMD0 and CMD8 happen before the switch.
	crcCmd0 = 0x95
	crcCmd8 = 0x87 // for argument 0x1AA
)

// R1 is the single-byte response returned by every command in SPI mode.
// A value with bit 7 set means the card has not answered yet.
//
//	Bits [SD-PHY|7.3.2.1]
//	----+--------------------------
//	6   | Parameter error
//	5   | Address error
//	4   | Erase sequence error
//	3   | Com CRC error
//	2   | Illegal command
//	1   | Erase reset
//	0   | In idle state
type R1 byte

func (r R1) ParameterError() bool     { return r&(1<<6) != 0 }
func (r R1) AddressError() bool       { return r&(1<<5) != 0 }
func (r R1) EraseSequenceError() bool { return r&(1<<4) != 0 }
func (r R1) CRCError() bool           { return r&(1<<3) != 0 }
func (r R1) IllegalCommand() bool     { return r&(1<<2) != 0 }
func (r R1) EraseReset() bool         { return r&(1<<1) != 0 }
func (r R1) Idle() bool               { return r&(1<<0) != 0 }

func (r R1) String() string {
	b := fmt.Sprintf("%08b", byte(r))
	s := []string{}
	if r.ParameterError() {
		s = append(s, "PARAM")
	}
	if r.AddressError() {
		s = append(s, "ADDR")
	}
	if r.EraseSequenceError() {
		s = append(s, "ERASESEQ")
	}
	if r.CRCError() {
		s = append(s, "CRC")
	}
	if r.IllegalCommand() {
		s = append(s, "ILLEGAL")
	}
	if r.EraseReset() {
		s = append(s, "ERASERST")
	}
	if r.Idle() {
		s = append(s, "IDLE")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// frameCommand fills buf with the 6-byte frame for cmd: transmission bit,
// command index, big-endian argument, CRC.
func frameCommand(buf *[6]byte, cmd byte, arg uint32, crc byte) {
	buf[0] = 0x40 | cmd
	buf[1] = byte(arg >> 24)
	buf[2] = byte(arg >> 16)
	buf[3] = byte(arg >> 8)
	buf[4] = byte(arg)
	buf[5] = crc
}

// frameByteAddressed fills buf with the frame for cmd addressing block on a
// byte-addressed card. The byte offset is block*512, but the address bytes
// are derived by shifting the block number straight into position so the
// offset itself is never materialized; it could overflow a small word on
// the kind of hardware these cards live in.
func frameByteAddressed(buf *[6]byte, cmd byte, block uint32) {
	buf[0] = 0x40 | cmd
	buf[1] = byte(block >> 15)
	buf[2] = byte(block >> 7)
	buf[3] = byte(block << 1)
	buf[4] = 0
	buf[5] = 0
}

// command frames and sends cmd, then polls for its R1 response. The
// transport must already be held.
func (c *Card) command(cmd byte, arg uint32, crc byte) (R1, error) {
	frameCommand(&c.cmdbuf, cmd, arg, crc)
	return c.send(nil, nil)
}

// commandRead is command plus capture of the trailing response bytes that
// follow R1 (the 4-byte payload of R3/R7).
func (c *Card) commandRead(cmd byte, arg uint32, crc byte, trailing []byte) (R1, error) {
	frameCommand(&c.cmdbuf, cmd, arg, crc)
	return c.send(trailing, nil)
}

// commandData is command plus reception of one data block into data.
func (c *Card) commandData(cmd byte, arg uint32, crc byte, data []byte) (R1, error) {
	frameCommand(&c.cmdbuf, cmd, arg, crc)
	return c.send(nil, data)
}

// blockCommand sends cmd with block converted to the card's addressing
// mode: the raw block number on block-addressed cards, shifted address
// bytes otherwise.
func (c *Card) blockCommand(cmd byte, block uint32) (R1, error) {
	if c.cdv == 1 {
		frameCommand(&c.cmdbuf, cmd, block, 0)
	} else {
		frameByteAddressed(&c.cmdbuf, cmd, block)
	}
	return c.send(nil, nil)
}

// send writes the frame already staged in cmdbuf and polls up to
// cmdAttempts byte reads for a response with the busy bit clear. Every poll
// clocks the card with fill bytes; the card needs those edges to produce
// output at all. A card that never answers within the bound is reported as
// ErrCmdTimeout, which the callers escalate as they see fit.
func (c *Card) send(trailing, data []byte) (R1, error) {
	c.waitReady()

	if err := c.t.Write(c.cmdbuf[:]); err != nil {
		return 0, err
	}

	var b [1]byte
	for i := 0; i < cmdAttempts; i++ {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return 0, err
		}
		if b[0]&0x80 != 0 {
			continue
		}
		r := R1(b[0])
		if len(trailing) > 0 {
			if err := c.t.ReadInto(trailing, fillByte); err != nil {
				return r, err
			}
		}
		if data != nil {
			if err := c.readData(data); err != nil {
				return r, err
			}
		}
		return r, nil
	}
	return 0, ErrCmdTimeout
}

// waitReady clocks the card until it reports idle-high (0xFF) so a new
// command is not jammed into the tail of a previous operation. A card still
// busy past the budget gets the command anyway and will answer late or not
// at all; send's own polling bound deals with that.
func (c *Card) waitReady() {
	var b [1]byte
	deadline := time.Now().Add(c.readTimeout)
	for {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return
		}
		if b[0] == fillByte || time.Now().After(deadline) {
			return
		}
	}
}
