// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Writer broadcasts the bytes written to it to one downstream transport
// and to any number of outbound edges.
//
// The downstream write is authoritative: the count it returns is what
// Write returns, and only the accepted bytes are offered to the edges, in
// insertion order, each according to its [Policy].
//
// Writes and flushes are serialized with each other. Graph operations and
// Shutdown only take the edge table lock, which is never held while
// waiting, so they proceed even while a write waits for a full edge.
// Exported fields are safe to modify after construction but before first
// use.
type Writer struct {
	// EdgeCapacity is the capacity of edges created by this writer.
	//
	// Set by [NewWriter] from [Config.EdgeCapacity].
	EdgeCapacity int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewWriter] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewWriter] to the user-provided logger.
	Logger SLogger

	// NewID generates IDs for subscriptions and spawned readers.
	//
	// Set by [NewWriter] from [Config.NewID].
	NewID func() ID

	// Policy is the backpressure policy of edges created by this writer.
	//
	// Set by [NewWriter] from [Config.Policy].
	Policy Policy

	// ReadBufferSize is passed on to spawned readers.
	//
	// Set by [NewWriter] from [Config.ReadBufferSize].
	ReadBufferSize int

	// TimeNow is the function to get the current time.
	//
	// Set by [NewWriter] from [Config.TimeNow].
	TimeNow func() time.Time

	id         ID
	downstream io.Writer

	// writing serializes the data path (WriteContext, FlushContext) and
	// owns offer and offerTo. It is a channel so waiting for it can honour
	// a context.
	writing chan struct{}
	offer   []byte
	offerTo []offerTarget

	// mu protects the fields below. It is never held while waiting on
	// the downstream or on an edge.
	mu        sync.Mutex
	edges     map[ID]*outboundEdge
	order     []ID
	failed    error
	closed    bool
	spawnPeer ID
}

// outboundEdge is an entry of the writer edge table.
type outboundEdge struct {
	tx         *EdgeSender
	provenance Provenance
}

// offerTarget is an edge still owed the current chunk.
type offerTarget struct {
	id ID
	tx *EdgeSender
}

// contextWriter is implemented by downstreams that can honour a context,
// such as [*EdgeSender].
type contextWriter interface {
	WriteContext(ctx context.Context, data []byte) (int, error)
}

// NewWriter wraps downstream into a [*Writer] with an ID from [Config.NewID].
//
// A nil downstream yields a writer feeding only its edges.
func NewWriter(cfg *Config, downstream io.Writer, logger SLogger) *Writer {
	return NewWriterWithID(cfg, cfg.NewID(), downstream, logger)
}

// NewWriterWithID is like [NewWriter] but uses the given ID.
//
// See [NewReaderWithID] for the meaning of sharing an ID with a reader.
func NewWriterWithID(cfg *Config, id ID, downstream io.Writer, logger SLogger) *Writer {
	return &Writer{
		EdgeCapacity:   cfg.EdgeCapacity,
		ErrClassifier:  cfg.ErrClassifier,
		Logger:         logger,
		NewID:          cfg.NewID,
		Policy:         cfg.Policy,
		ReadBufferSize: cfg.ReadBufferSize,
		TimeNow:        cfg.TimeNow,
		id:             id,
		downstream:     downstream,
		writing:        make(chan struct{}, 1),
		edges:          make(map[ID]*outboundEdge),
	}
}

// ID returns the writer ID.
func (w *Writer) ID() ID {
	return w.id
}

// Write implements [io.Writer].
func (w *Writer) Write(data []byte) (int, error) {
	return w.WriteContext(context.Background(), data)
}

// WriteContext writes data downstream and then offers the accepted bytes
// to the outbound edges present when the downstream write completed.
//
// If ctx is done while a [PolicyBlock] edge is full, WriteContext returns
// the downstream count together with ctx.Err(); the undelivered offers are
// completed by the next call to WriteContext or Flush, so edges neither
// miss nor duplicate a chunk.
//
// A downstream error is returned verbatim and makes the writer unusable:
// every later call returns the same error.
func (w *Writer) WriteContext(ctx context.Context, data []byte) (int, error) {
	t0 := w.TimeNow()
	count, err := w.write(ctx, data)
	w.Logger.Debug(
		"writeDone",
		slog.Int("ioBufferSize", len(data)),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", w.ErrClassifier.Classify(err)),
		slog.String("nodeID", w.id.String()),
		slog.Time("t0", t0),
		slog.Time("t", w.TimeNow()),
	)
	return count, err
}

func (w *Writer) write(ctx context.Context, data []byte) (int, error) {
	if err := w.acquire(ctx); err != nil {
		return 0, err
	}
	defer w.release()
	if err := w.usable(); err != nil {
		return 0, err
	}
	if err := w.deliver(ctx); err != nil {
		return 0, err
	}

	count, err := w.writeDownstream(ctx, data)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.fail(err)
		}
		return count, err
	}
	if count <= 0 {
		return count, nil
	}
	targets := w.targets()
	if len(targets) <= 0 {
		return count, nil
	}

	w.offer = make([]byte, count)
	copy(w.offer, data[:count])
	w.offerTo = targets
	return count, w.deliver(ctx)
}

// acquire takes ownership of the data path, waiting at most until ctx is done.
func (w *Writer) acquire(ctx context.Context) error {
	select {
	case w.writing <- struct{}{}:
		return nil
	default:
	}
	select {
	case w.writing <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) release() {
	<-w.writing
}

// usable returns the error every data path call returns after a shutdown
// or a downstream failure.
func (w *Writer) usable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrNodeClosed
	}
	return w.failed
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	w.failed = err
	w.mu.Unlock()
}

// targets returns a snapshot of the outbound edges in delivery order.
func (w *Writer) targets() []offerTarget {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]offerTarget, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, offerTarget{id: id, tx: w.edges[id].tx})
	}
	return out
}

func (w *Writer) writeDownstream(ctx context.Context, data []byte) (int, error) {
	switch dst := w.downstream.(type) {
	case nil:
		return len(data), nil
	case contextWriter:
		return dst.WriteContext(ctx, data)
	default:
		return dst.Write(data)
	}
}

// deliver offers the current chunk to the edges still owed it. The chunk
// is shared: receivers treat chunks as read-only. The caller owns the
// data path and holds no lock, so graph operations and Shutdown proceed
// while a [PolicyBlock] edge is full; both close the edge, which wakes
// the blocked send.
func (w *Writer) deliver(ctx context.Context) error {
	for len(w.offerTo) > 0 {
		target := w.offerTo[0]
		before := target.tx.Dropped()
		err := target.tx.Send(ctx, w.offer)
		switch {
		case errors.Is(err, ErrEdgeClosed):
			w.prune(target)
		case err != nil:
			return err
		case target.tx.Dropped() > before:
			w.logEdgeDrop(target.id, len(w.offer))
		}
		w.offerTo = w.offerTo[1:]
	}
	w.offer, w.offerTo = nil, nil
	return nil
}

// deliverNow is like deliver but never waits: a chunk that does not fit a
// full edge is dropped for that edge.
func (w *Writer) deliverNow() {
	for _, target := range w.offerTo {
		queued, err := target.tx.TrySend(w.offer)
		if err == nil && !queued {
			w.logEdgeDrop(target.id, len(w.offer))
		}
	}
	w.offer, w.offerTo = nil, nil
}

func (w *Writer) logEdgeDrop(id ID, size int) {
	w.Logger.Debug(
		"edgeDrop",
		slog.Int("ioBytesCount", size),
		slog.String("nodeID", w.id.String()),
		slog.String("peerID", id.String()),
		slog.Time("t", w.TimeNow()),
	)
}

// prune forgets an edge whose receiver is gone. Edges detached or
// replaced since the offer started, and edges closed by Shutdown, are
// left alone.
func (w *Writer) prune(target offerTarget) {
	w.mu.Lock()
	entry, found := w.edges[target.id]
	if w.closed || !found || entry.tx != target.tx {
		w.mu.Unlock()
		return
	}
	w.removeLocked(target.id)
	w.mu.Unlock()
	w.Logger.Info(
		"edgeClosed",
		slog.Any("err", ErrEdgeClosed),
		slog.String("errClass", w.ErrClassifier.Classify(ErrEdgeClosed)),
		slog.String("nodeID", w.id.String()),
		slog.String("peerID", target.id.String()),
		slog.Time("t", w.TimeNow()),
	)
}

func (w *Writer) indexLocked(id ID) int {
	for idx, candidate := range w.order {
		if candidate == id {
			return idx
		}
	}
	return -1
}

func (w *Writer) addLocked(id ID, tx *EdgeSender, provenance Provenance) error {
	if _, found := w.edges[id]; found {
		return ErrEdgeAlreadyExists
	}
	w.edges[id] = &outboundEdge{tx: tx, provenance: provenance}
	w.order = append(w.order, id)
	return nil
}

func (w *Writer) removeLocked(id ID) *outboundEdge {
	entry, found := w.edges[id]
	if !found {
		return nil
	}
	delete(w.edges, id)
	if idx := w.indexLocked(id); idx >= 0 {
		w.order = append(w.order[:idx], w.order[idx+1:]...)
	}
	return entry
}

// Flush is like [*Writer.FlushContext] with [context.Background].
func (w *Writer) Flush() error {
	return w.FlushContext(context.Background())
}

// FlushContext completes pending edge offers and flushes downstream when
// it implements Flush() error. Edges need no flush: a queued chunk is
// immediately visible to its receiver.
//
// It waits for a concurrent write and for full [PolicyBlock] edges at
// most until ctx is done, leaving undelivered offers pending.
func (w *Writer) FlushContext(ctx context.Context) error {
	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.deliver(ctx); err != nil {
		return err
	}
	if flusher, ok := w.downstream.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			w.fail(err)
			return err
		}
	}
	return nil
}

// Shutdown closes every outbound edge so that readers observe end-of-data
// after draining what is queued, and shuts down downstream using
// CloseWrite() error or, failing that, [io.Closer]. Later writes return
// [ErrNodeClosed].
//
// Shutdown never waits on the edges. Pending offers are queued where
// there is room and dropped elsewhere. A write blocked on a full edge
// returns once the edge is closed.
func (w *Writer) Shutdown() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	failed := w.failed
	w.mu.Unlock()

	select {
	case w.writing <- struct{}{}:
		// no write in flight: offers left by a cancelled call are ours
		if failed == nil {
			w.deliverNow()
		}
		defer w.release()
	default:
	}

	var err error
	for _, target := range w.targets() {
		err = multierr.Append(err, target.tx.Close())
	}
	switch dst := w.downstream.(type) {
	case interface{ CloseWrite() error }:
		err = multierr.Append(err, dst.CloseWrite())
	case io.Closer:
		err = multierr.Append(err, dst.Close())
	}

	w.Logger.Info(
		"writerShutdown",
		slog.Any("err", err),
		slog.String("errClass", w.ErrClassifier.Classify(err)),
		slog.String("nodeID", w.id.String()),
		slog.Time("t", w.TimeNow()),
	)
	return err
}

// Close is an alias for Shutdown.
func (w *Writer) Close() error {
	return w.Shutdown()
}

// Subscribe creates an outbound explicit edge keyed by a fresh ID and
// returns its receiver, to be handed to a reader with [*Reader.AddEdge].
func (w *Writer) Subscribe() (*EdgeReceiver, ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx, rx := NewEdge(w.EdgeCapacity, w.Policy)
	id := w.NewID()
	_ = w.addLocked(id, tx, ProvenanceExplicit) // fresh ID
	w.logEdgeAdd(id, ProvenanceExplicit)
	return rx, id
}

// AddEdge installs a pre-existing sender keyed by id as an explicit edge.
//
// Returns [ErrEdgeAlreadyExists] if the table already contains id.
func (w *Writer) AddEdge(tx *EdgeSender, id ID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.addLocked(id, tx, ProvenanceExplicit); err != nil {
		return err
	}
	w.logEdgeAdd(id, ProvenanceExplicit)
	return nil
}

func (w *Writer) logEdgeAdd(id ID, provenance Provenance) {
	w.Logger.Info(
		"edgeAdd",
		slog.String("nodeID", w.id.String()),
		slog.String("peerID", id.String()),
		slog.String("provenance", provenance.String()),
		slog.Time("t", w.TimeNow()),
	)
}

// Edges returns the IDs of the outbound edges in delivery order.
func (w *Writer) Edges() []ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ID(nil), w.order...)
}

// Provenance returns the provenance of the outbound edge keyed by id.
func (w *Writer) Provenance(id ID) (Provenance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, found := w.edges[id]
	if !found {
		return 0, false
	}
	return entry.provenance, true
}

// Attach connects w to r with a new explicit edge. See [Attach].
func (w *Writer) Attach(r *Reader) error {
	return Attach(w, r)
}

// Detach removes the explicit edge between w and r. See [Detach].
func (w *Writer) Detach(r *Reader) error {
	return Detach(w, r)
}

// SpawnReader returns a new [*Reader] whose upstream is a spawn edge fed
// by w. The edge can never be detached.
func (w *Writer) SpawnReader() *Reader {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx, rx := NewEdge(w.EdgeCapacity, w.Policy)
	r := newReader(w.inheritConfig(), w.NewID(), w.Logger)
	rx.setWaker(r.wake)
	r.source = rx
	r.spawnPeer = w.id
	_ = w.addLocked(r.id, tx, ProvenanceSpawn) // fresh ID
	w.Logger.Info(
		"spawnReader",
		slog.String("nodeID", w.id.String()),
		slog.String("peerID", r.id.String()),
		slog.Time("t", w.TimeNow()),
	)
	return r
}

// inheritConfig returns a [*Config] reproducing this writer settings.
func (w *Writer) inheritConfig() *Config {
	return &Config{
		EdgeCapacity:   w.EdgeCapacity,
		Policy:         w.Policy,
		ReadBufferSize: w.ReadBufferSize,
		ErrClassifier:  w.ErrClassifier,
		NewID:          w.NewID,
		TimeNow:        w.TimeNow,
	}
}
