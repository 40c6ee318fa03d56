// SPDX-License-Identifier: GPL-3.0-or-later

// Package multipipe builds dynamic graphs of byte streams.
//
// # Nodes and Edges
//
// A [*Reader] wraps one upstream [io.Reader] and merges it with any number
// of inbound edges into a single byte stream. A [*Writer] wraps one
// downstream [io.Writer] and broadcasts what it is given to the downstream
// and to any number of outbound edges. An edge is a bounded FIFO of chunks
// connecting exactly one writer to exactly one reader (see [NewEdge]).
//
// Reads serve a buffered chunk completely before looking at any source,
// so chunks coming from different sources never interleave. Upstream has
// strict priority over edges, and ready edges are served in round-robin
// order. Writes hit the downstream first: the count it returns is the
// count [*Writer.Write] returns, and only those bytes reach the edges.
//
// When an edge is full, its [Policy] decides: [PolicyBlock] suspends the
// writer until the reader catches up, [PolicyDropNewest] discards the chunk.
//
// # Graph Operations
//
// [Attach] and [Detach] connect and disconnect a writer and a reader with
// an explicit edge. [*Writer.SpawnReader] and [*Reader.SpawnWriter] create
// a node together with a spawn edge, which can never be detached. [Split]
// wraps the two directions of one duplex transport into a [*Pair] whose
// nodes share an ID and are likewise permanently linked. Graph errors
// ([ErrEdgeAlreadyExists], [ErrEdgeNotFound], [ErrDetachForbidden]) leave
// both nodes untouched.
//
// Every node guards its edge table with its own lock, and operations
// touching two nodes lock them in ID order. No lock is held while waiting
// on a transport or a full edge, so a graph operation or a Shutdown never
// waits for a stalled write.
//
// # Transports
//
// Any [io.Reader] or [io.Writer] can be wrapped. Writers use Flush() error
// and CloseWrite() error when the downstream implements them. The package
// provides two stackable transports:
//
//   - [*CipherStream]: ChaCha20 with an independent keystream per direction
//   - [*CompressStream]: LZ4, one self-contained frame per write
//
// Connection pipelines are built from [Func] values, like [*DialFunc],
// [*CipherConnFunc], [*SplitFunc] and [*CancelWatchFunc], chained with
// [Compose2] and [Compose3]. [Copy] and [Relay] move bytes between nodes.
//
// # Observability
//
// Nodes log through [SLogger] (compatible with [log/slog]); logging is
// disabled by default. Graph and lifecycle events are emitted at
// [slog.LevelInfo], per-I/O events at [slog.LevelDebug]. All events carry
// a t timestamp; completion events (*Done) also carry t0, err and errClass,
// the latter computed by the configured [ErrClassifier].
package multipipe
