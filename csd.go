package sdspi

import "fmt"

// CSD is the Card-Specific Data register: 16 bytes describing capacity and
// timing. Only the capacity fields are decoded here. [SD-PHY|5.3]
type CSD [16]byte

// Version returns the CSD structure version field (byte 0, bits 7:6).
// Version 0 is the original layout, version 1 the high-capacity layout;
// anything newer is not decodable by this driver.
func (c CSD) Version() int { return int(c[0] >> 6) }

// Sectors decodes the card capacity as a count of 512-byte blocks.
func (c CSD) Sectors() (uint32, error) {
	switch c.Version() {
	case 0:
		// capacity = BLOCK_LEN * MULT * (C_SIZE+1) [SD-PHY|5.3.2]
		blockLength := uint32(1) << (c[5] & 0xF)
		cSize := uint32(c[6]&0x3)<<10 | uint32(c[7])<<2 | uint32(c[8]>>6)
		e := (c[9]&0x3)<<1 | c[10]>>7
		mult := uint32(1) << (e + 2)
		return blockLength / BlockSize * mult * (cSize + 1), nil
	case 1:
		// capacity = (C_SIZE+1) * 512KiB [SD-PHY|5.3.3]
		cSize := uint32(c[8])<<8 | uint32(c[9])
		return (cSize + 1) * 1024, nil
	}
	return 0, fmt.Errorf("%w: CSD version %d", ErrCSDFormat, c.Version())
}

// OCR is the Operating Conditions Register. [SD-PHY|5.1]
type OCR uint32

// Ready reports the power-up status bit; the register contents are only
// valid once it is set.
func (o OCR) Ready() bool { return o&(1<<31) != 0 }

// HighCapacity reports the card capacity status bit. Set means the card is
// block addressed (SDHC/SDXC); only valid on v2 cards after power-up.
func (o OCR) HighCapacity() bool { return o&(1<<30) != 0 }
