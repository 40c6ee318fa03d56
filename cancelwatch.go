// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import "context"

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for a [*Pair] to be closed when the context is
// done (cancelled or deadline exceeded). Closing the pair closes its
// transport, so reads and writes blocked on it fail promptly instead of
// waiting forever.
//
// The returned [*Pair] shares the nodes of the input. Closing it
// unregisters the context watcher, so no goroutine outlives the pair
// even if the context is never cancelled.
//
// Do not use this primitive when the pair must outlive the context.
type CancelWatchFunc struct{}

var _ Func[*Pair, *Pair] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc].
func (op *CancelWatchFunc) Call(ctx context.Context, pair *Pair) (*Pair, error) {
	stop := context.AfterFunc(ctx, func() {
		pair.abort()
	})
	return &Pair{Reader: pair.Reader, Writer: pair.Writer, stream: pair.stream, stop: stop}, nil
}
