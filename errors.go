package sdspi

import (
	"errors"
	"fmt"
)

// Initialization failures. All of them are fatal: New returns the error and
// no Card, there is no partially initialized state.
var (
	ErrNoCard             = errors.New("sdspi: no card detected")
	ErrUnknownCard        = errors.New("sdspi: could not determine card version")
	ErrNegotiationTimeout = errors.New("sdspi: card did not leave idle state")
	ErrCSDFormat          = errors.New("sdspi: unsupported CSD format")
	ErrBlockLength        = errors.New("sdspi: could not set 512-byte block length")
)

// Per-operation failures. These are returned to the caller as-is; the driver
// never retries a failed block transfer, retry policy belongs to the caller.
var (
	ErrBufferSize       = errors.New("sdspi: buffer length must be a non-zero multiple of 512")
	ErrCmdTimeout       = errors.New("sdspi: no response from card")
	ErrWriteRejected    = errors.New("sdspi: card rejected written data")
	ErrWriteTimeout     = errors.New("sdspi: timed out waiting for write to finish")
	ErrStopTransmission = errors.New("sdspi: stop transmission failed")
)

// CommandError reports a command the card answered with an error response
// instead of 0x00.
type CommandError struct {
	Cmd      byte
	Response R1
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("sdspi: CMD%d failed: response %s", e.Cmd, e.Response)
}
