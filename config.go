// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"net"
	"time"
)

// DefaultEdgeCapacity is the default number of chunks an edge can hold.
const DefaultEdgeCapacity = 64

// DefaultReadBufferSize is the default size of the buffer used to read
// from the upstream transport of a [*Reader].
const DefaultReadBufferSize = 4096

// Config holds common configuration for readers and writers.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// EdgeCapacity is the capacity, in chunks, of edges created by nodes.
	//
	// Set by [NewConfig] to [DefaultEdgeCapacity].
	EdgeCapacity int

	// Policy is the backpressure policy of edges created by nodes.
	//
	// Set by [NewConfig] to [PolicyBlock].
	Policy Policy

	// ReadBufferSize is the size of each read from an upstream transport.
	//
	// Set by [NewConfig] to [DefaultReadBufferSize].
	ReadBufferSize int

	// Dialer is the [Dialer] used by [DialFunc].
	//
	// Set by [NewConfig] to a zero-initialized [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// NewID returns a fresh node identifier.
	//
	// Set by [NewConfig] to [NewID].
	NewID func() ID

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		EdgeCapacity:   DefaultEdgeCapacity,
		Policy:         PolicyBlock,
		ReadBufferSize: DefaultReadBufferSize,
		Dialer:         &net.Dialer{},
		ErrClassifier:  DefaultErrClassifier,
		NewID:          NewID,
		TimeNow:        time.Now,
	}
}
