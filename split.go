// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"go.uber.org/multierr"
)

// Pair is a [*Reader] and a [*Writer] wrapping the two directions of
// one duplex transport. Both nodes share an ID.
type Pair struct {
	Reader *Reader
	Writer *Writer

	// stream is the transport both nodes wrap.
	stream io.ReadWriter

	// stop unregisters the watcher installed by [*CancelWatchFunc].
	stop func() bool
}

// Split wraps the read and write directions of stream into a [*Pair].
//
// The nodes share an ID: they cannot be attached to each other and the
// implicit link between them can never be detached.
func Split(cfg *Config, stream io.ReadWriter, logger SLogger) *Pair {
	runtimex.Assert(stream != nil)
	id := cfg.NewID()
	return &Pair{
		Reader: NewReaderWithID(cfg, id, stream, logger),
		Writer: NewWriterWithID(cfg, id, stream, logger),
		stream: stream,
	}
}

// ID returns the ID shared by both nodes.
func (p *Pair) ID() ID {
	return p.Writer.ID()
}

// Close shuts down the writer and then closes the reader.
func (p *Pair) Close() error {
	if p.stop != nil {
		p.stop()
	}
	return multierr.Combine(p.Writer.Shutdown(), p.Reader.Close())
}

// abort closes the transport before the nodes, unblocking any call
// stuck on it.
func (p *Pair) abort() error {
	var err error
	if closer, ok := p.stream.(io.Closer); ok {
		if cerr := closer.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	return multierr.Append(err, p.Close())
}

// NewSplitFunc returns a new [*SplitFunc].
//
// The cfg argument contains the common configuration for nodes.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSplitFunc(cfg *Config, logger SLogger) *SplitFunc {
	return &SplitFunc{
		Config: cfg,
		Logger: logger,
	}
}

// SplitFunc splits a [net.Conn] into a [*Pair].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type SplitFunc struct {
	// Config configures the nodes.
	//
	// Set by [NewSplitFunc] to the user-provided config.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewSplitFunc] to the user-provided logger.
	Logger SLogger
}

var _ Func[net.Conn, *Pair] = &SplitFunc{}

// Call invokes the [*SplitFunc] to wrap conn. It never fails.
func (op *SplitFunc) Call(ctx context.Context, conn net.Conn) (*Pair, error) {
	pair := Split(op.Config, conn, op.Logger)
	op.Logger.Info(
		"split",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("nodeID", pair.ID().String()),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", op.Config.TimeNow()),
	)
	return pair, nil
}
