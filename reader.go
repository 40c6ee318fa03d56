// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Reader merges one upstream transport and any number of inbound edges
// into a single ordered byte stream.
//
// Each Read serves the pending chunk first. When the pending chunk is
// exhausted, it polls upstream (which has strict priority) and then every
// inbound edge in round-robin order, and buffers the first chunk found. A
// chunk is always fully delivered before bytes from another source, so
// chunks never interleave.
//
// Reads, Close and graph operations are serialized by a per-node lock.
// Exported fields are safe to modify after construction but before first use.
type Reader struct {
	// EdgeCapacity is the capacity of edges created by this reader.
	//
	// Set by [NewReader] from [Config.EdgeCapacity].
	EdgeCapacity int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewReader] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewReader] to the user-provided logger.
	Logger SLogger

	// NewID generates IDs for subscriptions and spawned writers.
	//
	// Set by [NewReader] from [Config.NewID].
	NewID func() ID

	// Policy is the backpressure policy of edges created by this reader.
	//
	// Set by [NewReader] from [Config.Policy].
	Policy Policy

	// TimeNow is the function to get the current time.
	//
	// Set by [NewReader] from [Config.TimeNow].
	TimeNow func() time.Time

	id ID

	// upstream is the wrapped transport, nil for spawned readers.
	upstream io.Reader

	// source feeds upstream chunks: the pump edge or the spawn edge.
	source *EdgeReceiver

	// wake fires whenever any source may have become ready.
	wake *signal

	mu           sync.Mutex
	upstreamDone bool
	edges        map[ID]*inboundEdge
	order        []ID
	cursor       int
	buffer       []byte
	offset       int
	failed       error
	closed       bool
	spawnPeer    ID
}

// inboundEdge is an entry of the reader edge table.
type inboundEdge struct {
	rx         *EdgeReceiver
	provenance Provenance
}

// NewReader wraps upstream into a [*Reader] with an ID from [Config.NewID].
//
// A goroutine starts reading upstream immediately and stops when upstream
// returns an error (including [io.EOF]) or the reader is closed. A nil
// upstream yields a reader fed only by its edges.
func NewReader(cfg *Config, upstream io.Reader, logger SLogger) *Reader {
	return NewReaderWithID(cfg, cfg.NewID(), upstream, logger)
}

// NewReaderWithID is like [NewReader] but uses the given ID.
//
// A reader and a writer sharing an ID are considered the two halves of
// one transport: they cannot be attached to or detached from each other.
func NewReaderWithID(cfg *Config, id ID, upstream io.Reader, logger SLogger) *Reader {
	r := newReader(cfg, id, logger)
	r.upstream = upstream
	if upstream == nil {
		r.upstreamDone = true
		return r
	}
	tx, rx := NewEdge(cfg.EdgeCapacity, PolicyBlock)
	rx.setWaker(r.wake)
	r.source = rx
	go r.pump(upstream, tx, cfg.ReadBufferSize)
	return r
}

func newReader(cfg *Config, id ID, logger SLogger) *Reader {
	return &Reader{
		EdgeCapacity:  cfg.EdgeCapacity,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		NewID:         cfg.NewID,
		Policy:        cfg.Policy,
		TimeNow:       cfg.TimeNow,
		id:            id,
		wake:          newSignal(),
		edges:         make(map[ID]*inboundEdge),
	}
}

// inheritConfig returns a [*Config] reproducing this reader settings.
func (r *Reader) inheritConfig() *Config {
	return &Config{
		EdgeCapacity:   r.EdgeCapacity,
		Policy:         r.Policy,
		ReadBufferSize: DefaultReadBufferSize,
		ErrClassifier:  r.ErrClassifier,
		NewID:          r.NewID,
		TimeNow:        r.TimeNow,
	}
}

// pump moves upstream bytes into the source edge.
func (r *Reader) pump(upstream io.Reader, tx *EdgeSender, bufsiz int) {
	if bufsiz <= 0 {
		bufsiz = DefaultReadBufferSize
	}
	for {
		buf := make([]byte, bufsiz)
		count, err := upstream.Read(buf)
		if count > 0 {
			if tx.Send(context.Background(), buf[:count]) != nil {
				return // reader closed
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			tx.CloseWithError(err)
			return
		}
	}
}

// ID returns the reader ID.
func (r *Reader) ID() ID {
	return r.id
}

// Read implements [io.Reader].
func (r *Reader) Read(buf []byte) (int, error) {
	return r.ReadContext(context.Background(), buf)
}

// ReadContext reads up to len(buf) bytes, waiting until a source has data,
// every source has ended ([io.EOF]), or ctx is done.
//
// Cancelling ctx never loses data: a buffered chunk stays buffered and
// queued chunks stay queued for the next call.
//
// An upstream error other than [io.EOF] is returned verbatim and makes the
// reader unusable: every later call returns the same error.
func (r *Reader) ReadContext(ctx context.Context, buf []byte) (int, error) {
	if len(buf) <= 0 {
		return 0, nil
	}
	t0 := r.TimeNow()
	count, err := r.read(ctx, buf)
	r.Logger.Debug(
		"readDone",
		slog.Int("ioBufferSize", len(buf)),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("nodeID", r.id.String()),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return count, err
}

func (r *Reader) read(ctx context.Context, buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed {
			return 0, ErrNodeClosed
		}
		if count, ok := r.servePendingLocked(buf); ok {
			return count, nil
		}
		if r.failed != nil {
			return 0, r.failed
		}

		wait := r.wake.wait()
		chunk, err := r.pollLocked()
		if err != nil {
			r.failed = err
			return 0, err
		}
		if chunk != nil {
			r.buffer, r.offset = chunk, 0
			continue
		}
		if r.upstreamDone && len(r.order) <= 0 {
			return 0, io.EOF
		}

		r.mu.Unlock()
		select {
		case <-wait:
			r.mu.Lock()
		case <-ctx.Done():
			r.mu.Lock()
			return 0, ctx.Err()
		}
	}
}

// servePendingLocked copies undelivered bytes of the buffered chunk
// into buf. It returns false, polling nothing, when the buffer is drained.
// Sources may only be polled after it returns false.
func (r *Reader) servePendingLocked(buf []byte) (int, bool) {
	if r.offset >= len(r.buffer) {
		r.buffer, r.offset = nil, 0
		return 0, false
	}
	count := copy(buf, r.buffer[r.offset:])
	r.offset += count
	return count, true
}

// pollLocked returns the next chunk from upstream or, failing that, from
// the first ready edge in round-robin order. It returns a nil chunk
// and a nil error when no source is ready.
func (r *Reader) pollLocked() ([]byte, error) {
	if !r.upstreamDone {
		chunk, ok, err := r.source.TryRecv()
		switch {
		case ok:
			return chunk, nil
		case errors.Is(err, io.EOF):
			r.upstreamDone = true
			r.Logger.Debug(
				"upstreamDone",
				slog.String("nodeID", r.id.String()),
				slog.Time("t", r.TimeNow()),
			)
		case err != nil:
			return nil, err
		}
	}
	return r.pollEdgesLocked(), nil
}

func (r *Reader) pollEdgesLocked() []byte {
	if len(r.order) <= 0 {
		return nil
	}
	start := r.cursor % len(r.order)
	scan := make([]ID, 0, len(r.order))
	scan = append(scan, r.order[start:]...)
	scan = append(scan, r.order[:start]...)
	for _, id := range scan {
		chunk, ok, err := r.edges[id].rx.TryRecv()
		if ok {
			r.cursor = r.indexLocked(id) + 1
			return chunk
		}
		if err != nil {
			// The sender is gone: this is end-of-data for the edge.
			r.removeLocked(id)
			r.Logger.Info(
				"edgeClosed",
				slog.Any("err", err),
				slog.String("errClass", r.ErrClassifier.Classify(err)),
				slog.String("nodeID", r.id.String()),
				slog.String("peerID", id.String()),
				slog.Time("t", r.TimeNow()),
			)
		}
	}
	return nil
}

func (r *Reader) indexLocked(id ID) int {
	for idx, candidate := range r.order {
		if candidate == id {
			return idx
		}
	}
	return -1
}

func (r *Reader) addLocked(id ID, rx *EdgeReceiver, provenance Provenance) error {
	if _, found := r.edges[id]; found {
		return ErrEdgeAlreadyExists
	}
	rx.setWaker(r.wake)
	r.edges[id] = &inboundEdge{rx: rx, provenance: provenance}
	r.order = append(r.order, id)
	r.wake.notify()
	return nil
}

func (r *Reader) removeLocked(id ID) *inboundEdge {
	entry, found := r.edges[id]
	if !found {
		return nil
	}
	delete(r.edges, id)
	if idx := r.indexLocked(id); idx >= 0 {
		r.order = append(r.order[:idx], r.order[idx+1:]...)
		if r.cursor > idx {
			r.cursor--
		}
	}
	return entry
}

// Subscribe creates an inbound explicit edge keyed by a fresh ID and
// returns its sender, to be handed to a writer with [*Writer.AddEdge].
func (r *Reader) Subscribe() (*EdgeSender, ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, rx := NewEdge(r.EdgeCapacity, r.Policy)
	id := r.NewID()
	_ = r.addLocked(id, rx, ProvenanceExplicit) // fresh ID
	r.logEdgeAdd(id, ProvenanceExplicit)
	return tx, id
}

// AddEdge installs a pre-existing receiver keyed by id as an explicit edge.
//
// Returns [ErrEdgeAlreadyExists] if the table already contains id.
func (r *Reader) AddEdge(rx *EdgeReceiver, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.addLocked(id, rx, ProvenanceExplicit); err != nil {
		return err
	}
	r.logEdgeAdd(id, ProvenanceExplicit)
	return nil
}

func (r *Reader) logEdgeAdd(id ID, provenance Provenance) {
	r.Logger.Info(
		"edgeAdd",
		slog.String("nodeID", r.id.String()),
		slog.String("peerID", id.String()),
		slog.String("provenance", provenance.String()),
		slog.Time("t", r.TimeNow()),
	)
}

// Edges returns the IDs of the inbound edges in polling order.
func (r *Reader) Edges() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ID(nil), r.order...)
}

// Provenance returns the provenance of the inbound edge keyed by id.
func (r *Reader) Provenance(id ID) (Provenance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.edges[id]
	if !found {
		return 0, false
	}
	return entry.provenance, true
}

// Attach connects w to r with a new explicit edge. See [Attach].
func (r *Reader) Attach(w *Writer) error {
	return Attach(w, r)
}

// Detach removes the explicit edge between w and r. See [Detach].
func (r *Reader) Detach(w *Writer) error {
	return Detach(w, r)
}

// SpawnWriter returns a new [*Writer] whose downstream is a spawn edge
// feeding r. The edge can never be detached.
func (r *Reader) SpawnWriter() *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, rx := NewEdge(r.EdgeCapacity, r.Policy)
	w := NewWriter(r.inheritConfig(), tx, r.Logger)
	w.spawnPeer = r.id
	_ = r.addLocked(w.id, rx, ProvenanceSpawn) // fresh ID
	r.Logger.Info(
		"spawnWriter",
		slog.String("nodeID", r.id.String()),
		slog.String("peerID", w.id.String()),
		slog.Time("t", r.TimeNow()),
	)
	return w
}

// Close drops the reader: it closes every inbound edge, so writers prune
// them, and closes upstream when it implements [io.Closer]. Later reads
// return [ErrNodeClosed].
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.buffer, r.offset = nil, 0
	var err error
	for _, id := range r.order {
		err = multierr.Append(err, r.edges[id].rx.Close())
	}
	r.edges = make(map[ID]*inboundEdge)
	r.order = nil
	if r.source != nil {
		err = multierr.Append(err, r.source.Close())
	}
	if closer, ok := r.upstream.(io.Closer); ok {
		// a paired writer may have closed the shared transport already
		if cerr := closer.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	r.mu.Unlock()
	r.wake.notify()

	r.Logger.Info(
		"readerClose",
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("nodeID", r.id.String()),
		slog.Time("t", r.TimeNow()),
	)
	return err
}
