package sdspi

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Option configures a Card before initialization runs.
type Option func(*Card)

// WithClockRates overrides the bus rates used during and after the
// initialization handshake. The card must be negotiated below 400kHz; the
// full rate takes effect once, after the handshake succeeds.
func WithClockRates(init, full physic.Frequency) Option {
	return func(c *Card) {
		c.initClock = init
		c.fullClock = full
	}
}

// WithRetryDelay sets the pause between ACMD41 attempts while waiting for a
// v2 card to finish powering up.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Card) { c.retryDelay = d }
}

// WithReadTimeout bounds the wait for a data start token on reads.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Card) { c.readTimeout = d }
}

// WithWriteTimeout bounds the busy wait after written data is accepted. The
// protocol itself puts no upper bound on programming time, so exceeding
// this budget surfaces ErrWriteTimeout instead of hanging.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Card) { c.writeTimeout = d }
}
