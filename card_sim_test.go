package sdspi

import (
	"encoding/binary"

	"periph.io/x/conn/v3/physic"
)

// simCard emulates an SD card in SPI mode well enough to drive the whole
// initialization handshake and block transfers: it parses 6-byte command
// frames off the write side and queues response bytes for the read side,
// answering 0xFF whenever it has nothing to say, like a real card keeping
// MISO high.
type simCard struct {
	// behavior knobs, set before use
	v1           bool // legacy card: CMD8 comes back illegal
	highCapacity bool // CCS set in OCR, block addressing
	neverReady   bool // ACMD41 never clears the idle bit
	absent       bool // nothing on the bus, reads are all 0xFF
	rejectWrites bool // answer written data with a write-error token
	failReads    bool // answer CMD17/18 with an address error
	cmd8Response byte // override the CMD8 R1 (0 = derive from v1)
	acmd41Busy   int  // ACMD41 attempts answered idle before ready
	busyBytes    int  // 0x00 bytes after each accepted write

	csd    CSD
	blocks map[uint32][]byte

	// wire state
	queue     []byte
	frame     [6]byte
	frameLen  int
	inFrame   bool
	appCmd    bool
	multiRead bool
	readAddr  uint32
	writeMode int // writeNone, writeSingle, writeMulti
	writeAddr uint32
	writeBuf  []byte
	inData    bool

	// observations for assertions
	acquired         int
	released         int
	clocks           []physic.Frequency
	deselectedClocks int
	frames           []byte // command indexes in arrival order
	rawFrames        [][6]byte
	dataPacketsSent  int
	stopTokens       int
}

const (
	writeNone = iota
	writeSingle
	writeMulti
)

func newSimCard() *simCard {
	s := &simCard{
		busyBytes: 2,
		blocks:    make(map[uint32][]byte),
	}
	// CSD v2.0 layout, C_SIZE 0x0F: 16384 sectors
	s.csd[0] = 0x40
	s.csd[9] = 0x0F
	return s
}

func (s *simCard) block(addr uint32) []byte {
	b, ok := s.blocks[addr]
	if !ok {
		b = make([]byte, BlockSize)
		s.blocks[addr] = b
	}
	return b
}

// blockNum undoes the addressing mode of the command argument.
func (s *simCard) blockNum(arg uint32) uint32 {
	if s.highCapacity {
		return arg
	}
	return arg >> 9
}

func (s *simCard) count(idx byte) int {
	n := 0
	for _, f := range s.frames {
		if f == idx {
			n++
		}
	}
	return n
}

func (s *simCard) lastRawFrame(idx byte) ([6]byte, bool) {
	for i := len(s.rawFrames) - 1; i >= 0; i-- {
		if s.rawFrames[i][0]&0x3F == idx {
			return s.rawFrames[i], true
		}
	}
	return [6]byte{}, false
}

// Transport implementation

func (s *simCard) Acquire() error { s.acquired++; return nil }
func (s *simCard) Release() error { s.released++; return nil }

func (s *simCard) Clock(f physic.Frequency) error {
	s.clocks = append(s.clocks, f)
	return nil
}

func (s *simCard) ClockDeselected(n int) error {
	s.deselectedClocks += n
	return nil
}

func (s *simCard) Write(p []byte) error {
	for _, b := range p {
		s.feed(b)
	}
	return nil
}

func (s *simCard) ReadInto(p []byte, fill byte) error {
	for i := range p {
		p[i] = s.next()
	}
	return nil
}

func (s *simCard) enqueue(b ...byte) {
	s.queue = append(s.queue, b...)
}

// r1 queues one stuff byte ahead of the response so the driver's polling
// loop actually has to poll.
func (s *simCard) r1(b byte) {
	s.enqueue(0xFF, b)
}

func (s *simCard) queueDataPacket(data []byte) {
	s.enqueue(0xFF, tokenData)
	s.enqueue(data...)
	s.enqueue(0x00, 0x00) // CRC, unused in SPI mode
	s.dataPacketsSent++
}

func (s *simCard) next() byte {
	if len(s.queue) == 0 {
		if s.multiRead {
			s.queueDataPacket(s.block(s.readAddr))
			s.readAddr++
		} else {
			return 0xFF
		}
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	return b
}

func (s *simCard) feed(b byte) {
	if s.absent {
		return
	}
	if s.writeMode != writeNone {
		s.feedWrite(b)
		return
	}
	if s.inFrame {
		s.frame[s.frameLen] = b
		s.frameLen++
		if s.frameLen == 6 {
			s.inFrame = false
			s.handleFrame()
		}
		return
	}
	if b&0xC0 == 0x40 {
		s.inFrame = true
		s.frame[0] = b
		s.frameLen = 1
	}
	// 0xFF filler between frames is ignored
}

func (s *simCard) feedWrite(b byte) {
	if !s.inData {
		switch b {
		case tokenData, tokenMultiWrite:
			s.inData = true
			s.writeBuf = s.writeBuf[:0]
		case tokenStopTran:
			s.stopTokens++
			s.writeMode = writeNone
			for i := 0; i < s.busyBytes; i++ {
				s.enqueue(0x00)
			}
			s.enqueue(0xFF)
		}
		return
	}

	s.writeBuf = append(s.writeBuf, b)
	if len(s.writeBuf) < BlockSize+2 {
		return
	}
	s.inData = false

	if s.rejectWrites {
		s.enqueue(0x0D) // write error
		s.writeMode = writeNone
		return
	}
	copy(s.block(s.writeAddr), s.writeBuf[:BlockSize])
	s.writeAddr++
	s.enqueue(0x05) // data accepted
	for i := 0; i < s.busyBytes; i++ {
		s.enqueue(0x00)
	}
	s.enqueue(0xFF)
	if s.writeMode == writeSingle {
		s.writeMode = writeNone
	}
}

func (s *simCard) handleFrame() {
	idx := s.frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(s.frame[1:5])
	s.frames = append(s.frames, idx)
	s.rawFrames = append(s.rawFrames, s.frame)

	app := s.appCmd
	s.appCmd = false

	if app && idx == cmdAppSendOpCond {
		switch {
		case s.neverReady:
			s.r1(0x01)
		case s.acmd41Busy > 0:
			s.acmd41Busy--
			s.r1(0x01)
		default:
			s.r1(0x00)
		}
		return
	}

	switch idx {
	case cmdGoIdleState:
		s.r1(0x01)
	case cmdSendIfCond:
		r := s.cmd8Response
		if r == 0 {
			if s.v1 {
				r = 0x05
			} else {
				r = 0x01
			}
		}
		s.r1(r)
		if !s.v1 {
			s.enqueue(0x00, 0x00, 0x01, 0xAA) // R7 echo
		}
	case cmdSendCSD:
		s.r1(0x00)
		s.queueDataPacket(s.csd[:])
	case cmdStopTransmission:
		s.multiRead = false
		s.queue = s.queue[:0]
		s.enqueue(0x00) // stuff byte in place of R1
		for i := 0; i < s.busyBytes; i++ {
			s.enqueue(0x00)
		}
		s.enqueue(0xFF)
	case cmdSetBlocklen:
		s.r1(0x00)
	case cmdReadSingleBlock:
		if s.failReads {
			s.r1(0x20) // address error
			return
		}
		s.r1(0x00)
		s.queueDataPacket(s.block(s.blockNum(arg)))
	case cmdReadMultipleBlock:
		if s.failReads {
			s.r1(0x20)
			return
		}
		s.multiRead = true
		s.readAddr = s.blockNum(arg)
		s.r1(0x00)
	case cmdWriteBlock:
		s.writeMode = writeSingle
		s.writeAddr = s.blockNum(arg)
		s.r1(0x00)
	case cmdWriteMultipleBlock:
		s.writeMode = writeMulti
		s.writeAddr = s.blockNum(arg)
		s.r1(0x00)
	case cmdAppCmd:
		s.appCmd = true
		s.r1(0x01)
	case cmdReadOCR:
		ocr := uint32(1 << 31) // powered up
		if s.highCapacity {
			ocr |= 1 << 30
		}
		s.r1(0x00)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], ocr)
		s.enqueue(b[:]...)
	}
}

// spyTransport counts transport calls without doing anything. It backs the
// checks that certain failures never touch the bus.
type spyTransport struct {
	calls int
}

func (s *spyTransport) Acquire() error { s.calls++; return nil }
func (s *spyTransport) Release() error { s.calls++; return nil }

func (s *spyTransport) Write(p []byte) error { s.calls++; return nil }

func (s *spyTransport) ReadInto(p []byte, fill byte) error {
	s.calls++
	for i := range p {
		p[i] = 0xFF
	}
	return nil
}

func (s *spyTransport) Clock(f physic.Frequency) error { s.calls++; return nil }
func (s *spyTransport) ClockDeselected(n int) error    { s.calls++; return nil }
