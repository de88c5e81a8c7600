package sdspi

import (
	"fmt"
	"time"
)

// Data response token, low 5 bits of the byte the card returns after each
// written block. [SD-PHY|7.3.3.1]
const (
	dataResponseMask = 0x1F
	dataAccepted     = 0x05 // anything else is a CRC or write error
)

// ReadBlocks fills buf with consecutive blocks starting at block. The
// buffer length selects between a single-block and a multi-block transfer
// and must be a non-zero multiple of BlockSize; anything else is rejected
// before the bus is touched. Failures are returned as-is, nothing is
// retried.
func (c *Card) ReadBlocks(block uint32, buf []byte) error {
	nblocks := len(buf) / BlockSize
	if nblocks == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w: len %d", ErrBufferSize, len(buf))
	}

	return c.exec(func() error {
		if nblocks == 1 {
			r, err := c.blockCommand(cmdReadSingleBlock, block)
			if err != nil {
				return err
			}
			if r != 0 {
				return &CommandError{Cmd: cmdReadSingleBlock, Response: r}
			}
			return c.readData(buf)
		}

		r, err := c.blockCommand(cmdReadMultipleBlock, block)
		if err != nil {
			return err
		}
		if r != 0 {
			return &CommandError{Cmd: cmdReadMultipleBlock, Response: r}
		}
		for i := 0; i < nblocks; i++ {
			if err := c.readData(buf[i*BlockSize : (i+1)*BlockSize]); err != nil {
				return err
			}
		}
		return c.stopTransmission()
	})
}

// WriteBlocks writes buf to consecutive blocks starting at block. Same
// buffer contract and failure semantics as ReadBlocks.
func (c *Card) WriteBlocks(block uint32, buf []byte) error {
	nblocks := len(buf) / BlockSize
	if nblocks == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("%w: len %d", ErrBufferSize, len(buf))
	}

	return c.exec(func() error {
		if nblocks == 1 {
			r, err := c.blockCommand(cmdWriteBlock, block)
			if err != nil {
				return err
			}
			if r != 0 {
				return &CommandError{Cmd: cmdWriteBlock, Response: r}
			}
			return c.writeData(tokenData, buf)
		}

		r, err := c.blockCommand(cmdWriteMultipleBlock, block)
		if err != nil {
			return err
		}
		if r != 0 {
			return &CommandError{Cmd: cmdWriteMultipleBlock, Response: r}
		}
		for i := 0; i < nblocks; i++ {
			if err := c.writeData(tokenMultiWrite, buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
				return err
			}
		}
		return c.stopToken()
	})
}

// readData pulls one data packet off the bus: start token, payload, and a
// CRC that is read back but not checked. The token search is bounded by
// wall clock rather than attempts; the gap before it reflects the card's
// internal access time.
func (c *Card) readData(buf []byte) error {
	var b [1]byte
	deadline := time.Now().Add(c.readTimeout)
	for {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return err
		}
		if b[0] == tokenData {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no data token", ErrCmdTimeout)
		}
	}
	if err := c.t.ReadInto(buf, fillByte); err != nil {
		return err
	}
	var crc [2]byte
	return c.t.ReadInto(crc[:], fillByte)
}

// writeData sends one data packet and waits for the card to accept and
// commit it: token, payload, a placeholder CRC, the data response token,
// then all-zero busy bytes until programming finishes. The protocol gives
// no bound for the busy phase, so it is cut off at the configured write
// timeout.
func (c *Card) writeData(token byte, buf []byte) error {
	if err := c.t.Write([]byte{token}); err != nil {
		return err
	}
	if err := c.t.Write(buf); err != nil {
		return err
	}
	// CRC is not checked in SPI mode, but the two bytes must be clocked
	if err := c.t.Write([]byte{0xFF, 0xFF}); err != nil {
		return err
	}

	var b [1]byte
	if err := c.t.ReadInto(b[:], fillByte); err != nil {
		return err
	}
	if b[0]&dataResponseMask != dataAccepted {
		return fmt.Errorf("%w: data response %#02x", ErrWriteRejected, b[0])
	}

	deadline := time.Now().Add(c.writeTimeout)
	for {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return err
		}
		if b[0] != 0x00 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWriteTimeout
		}
	}
}

// stopTransmission ends a multi-block read. CMD12 is followed by one stuff
// byte before its response, then the card may hold the line busy briefly.
func (c *Card) stopTransmission() error {
	frameCommand(&c.cmdbuf, cmdStopTransmission, 0, 0)
	if err := c.t.Write(c.cmdbuf[:]); err != nil {
		return err
	}

	var b [1]byte
	if err := c.t.ReadInto(b[:], fillByte); err != nil {
		return err
	}
	for i := 0; i < cmdAttempts; i++ {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return err
		}
		if b[0] == fillByte {
			return nil
		}
	}
	return ErrStopTransmission
}

// stopToken ends a multi-block write. Unlike the per-block wait, which only
// needs the line off 0x00, the card is not done until it drives a full
// 0xFF again.
func (c *Card) stopToken() error {
	if err := c.t.Write([]byte{tokenStopTran}); err != nil {
		return err
	}

	var b [1]byte
	// one stuff byte before the busy signal starts
	if err := c.t.ReadInto(b[:], fillByte); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	for {
		if err := c.t.ReadInto(b[:], fillByte); err != nil {
			return err
		}
		if b[0] == fillByte {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: busy after stop token", ErrWriteTimeout)
		}
	}
}
