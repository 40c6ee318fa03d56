// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Policy is the backpressure policy of an edge: what happens when a sender
// offers a chunk to a full edge.
type Policy int

const (
	// PolicyBlock suspends the sender until the receiver frees a slot.
	//
	// The slowest edge becomes the throughput ceiling of its writer.
	PolicyBlock Policy = iota

	// PolicyDropNewest discards the offered chunk, leaves the queue unchanged
	// and reports success, so a slow edge never penalizes its writer.
	PolicyDropNewest
)

// String implements [fmt.Stringer].
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropNewest:
		return "dropNewest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Provenance records how an edge came to exist.
type Provenance int

const (
	// ProvenanceExplicit marks edges created by attach or subscribe. They
	// can be detached from either endpoint.
	ProvenanceExplicit Provenance = iota

	// ProvenanceSpawn marks the edge created together with a spawned node.
	// It can never be detached.
	ProvenanceSpawn
)

// String implements [fmt.Stringer].
func (p Provenance) String() string {
	switch p {
	case ProvenanceExplicit:
		return "explicit"
	case ProvenanceSpawn:
		return "spawn"
	default:
		return fmt.Sprintf("Provenance(%d)", int(p))
	}
}

// signal is a level-triggered broadcast. Waiters take the current channel
// with wait and block on it; notify closes it and installs a fresh one.
//
// Take the channel before checking the condition you are waiting for,
// otherwise a notification racing with the check is lost.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// edge is a bounded FIFO of chunks with one sender and one receiver.
type edge struct {
	mu       sync.Mutex
	chunks   [][]byte
	capacity int
	policy   Policy
	dropped  uint64

	// sendDone is set when the sender is gone; sendErr is what the
	// receiver observes once drained (nil means io.EOF).
	sendDone bool
	sendErr  error

	// recvDone is set when the receiver is gone.
	recvDone bool

	// space fires when a slot frees or the receiver goes away.
	space *signal

	// ready fires when a chunk arrives or the sender goes away.
	ready *signal

	// wake is the reader node currently consuming this edge, if any.
	wake *signal
}

// NewEdge creates an edge and returns its two endpoints.
//
// A capacity <= 0 selects [DefaultEdgeCapacity]. Capacity and policy are
// fixed for the lifetime of the edge.
func NewEdge(capacity int, policy Policy) (*EdgeSender, *EdgeReceiver) {
	if capacity <= 0 {
		capacity = DefaultEdgeCapacity
	}
	e := &edge{
		chunks:   make([][]byte, 0, capacity),
		capacity: capacity,
		policy:   policy,
		space:    newSignal(),
		ready:    newSignal(),
	}
	return &EdgeSender{e: e}, &EdgeReceiver{e: e}
}

// notifyReady wakes both a blocked Recv and the consuming reader node.
func (e *edge) notifyReady(wake *signal) {
	e.ready.notify()
	if wake != nil {
		wake.notify()
	}
}

// EdgeSender is the producer endpoint of an edge.
//
// It implements [io.Writer] so it can be the downstream transport of
// a [*Writer]. Sends must not run concurrently with each other; Close may
// be called from any goroutine and wakes a blocked Send.
type EdgeSender struct {
	e *edge
}

// Send enqueues chunk, taking ownership of it: the caller must not modify
// chunk afterwards. Empty chunks are ignored.
//
// When the edge is full, [PolicyBlock] waits for a free slot or for ctx to
// be done, while [PolicyDropNewest] discards chunk and returns nil.
//
// Returns [ErrEdgeClosed] once the receiver (or this sender) is closed.
func (s *EdgeSender) Send(ctx context.Context, chunk []byte) error {
	if len(chunk) <= 0 {
		return nil
	}
	for {
		space := s.e.space.wait()
		queued, err := s.TrySend(chunk)
		if queued || err != nil || s.e.policy == PolicyDropNewest {
			return err
		}
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TrySend is like Send but never waits. It reports whether chunk was
// queued. A chunk offered to a full edge is not queued under either policy;
// [PolicyDropNewest] also counts it as dropped.
func (s *EdgeSender) TrySend(chunk []byte) (bool, error) {
	if len(chunk) <= 0 {
		return true, nil
	}
	e := s.e
	e.mu.Lock()
	if e.sendDone || e.recvDone {
		e.mu.Unlock()
		return false, ErrEdgeClosed
	}
	if len(e.chunks) >= e.capacity {
		if e.policy == PolicyDropNewest {
			e.dropped++
		}
		e.mu.Unlock()
		return false, nil
	}
	e.chunks = append(e.chunks, chunk)
	wake := e.wake
	e.mu.Unlock()
	e.notifyReady(wake)
	return true, nil
}

// Write implements [io.Writer] by sending a copy of data.
func (s *EdgeSender) Write(data []byte) (int, error) {
	return s.WriteContext(context.Background(), data)
}

// WriteContext is like Write but honours ctx while waiting for space.
//
// Under [PolicyDropNewest] a full edge still reports len(data) bytes written.
func (s *EdgeSender) WriteContext(ctx context.Context, data []byte) (int, error) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	if err := s.Send(ctx, chunk); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close closes the sender. The receiver drains what is queued and then
// observes [io.EOF]. Closing more than once is a no-op.
func (s *EdgeSender) Close() error {
	return s.CloseWithError(nil)
}

// CloseWrite is an alias for Close, letting a [*Writer] shut down an
// edge used as its downstream transport.
func (s *EdgeSender) CloseWrite() error {
	return s.Close()
}

// CloseWithError closes the sender so that the receiver observes err,
// instead of [io.EOF], after draining the queue.
func (s *EdgeSender) CloseWithError(err error) error {
	e := s.e
	e.mu.Lock()
	if e.sendDone {
		e.mu.Unlock()
		return nil
	}
	e.sendDone = true
	e.sendErr = err
	wake := e.wake
	e.mu.Unlock()
	e.notifyReady(wake)
	e.space.notify()
	return nil
}

// Len returns the number of queued chunks.
func (s *EdgeSender) Len() int {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return len(s.e.chunks)
}

// Cap returns the capacity of the edge in chunks.
func (s *EdgeSender) Cap() int {
	return s.e.capacity
}

// Policy returns the backpressure policy of the edge.
func (s *EdgeSender) Policy() Policy {
	return s.e.policy
}

// Dropped returns how many chunks [PolicyDropNewest] has discarded.
func (s *EdgeSender) Dropped() uint64 {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.dropped
}

// EdgeReceiver is the consumer endpoint of an edge.
//
// It implements [io.Reader] so it can be the upstream transport of a
// [*Reader]. A receiver must be used by a single goroutine at a time.
type EdgeReceiver struct {
	e *edge

	// pending is the unread tail of the last chunk returned through Read.
	pending []byte
}

// TryRecv dequeues the next chunk without blocking.
//
// It returns ok == true with a chunk when one is queued. Otherwise it
// returns the end-of-data error ([io.EOF], or the error passed to
// CloseWithError) once the sender is gone and the queue is drained,
// [ErrEdgeClosed] after this receiver was closed, or nil if the caller
// should wait for more data.
func (r *EdgeReceiver) TryRecv() (chunk []byte, ok bool, err error) {
	e := r.e
	e.mu.Lock()
	if e.recvDone {
		e.mu.Unlock()
		return nil, false, ErrEdgeClosed
	}
	if len(e.chunks) > 0 {
		chunk = e.chunks[0]
		e.chunks[0] = nil
		e.chunks = e.chunks[1:]
		e.mu.Unlock()
		e.space.notify()
		return chunk, true, nil
	}
	if e.sendDone {
		err = e.sendErr
		e.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, false, err
	}
	e.mu.Unlock()
	return nil, false, nil
}

// Recv dequeues the next chunk, waiting until one is available, the
// sender is gone, or ctx is done. The returned chunk must not be modified.
func (r *EdgeReceiver) Recv(ctx context.Context) ([]byte, error) {
	for {
		ready := r.e.ready.wait()
		chunk, ok, err := r.TryRecv()
		if ok {
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements [io.Reader]. A chunk larger than buf is served across
// several calls before the next chunk is dequeued.
func (r *EdgeReceiver) Read(buf []byte) (int, error) {
	if len(r.pending) <= 0 {
		chunk, err := r.Recv(context.Background())
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	count := copy(buf, r.pending)
	r.pending = r.pending[count:]
	return count, nil
}

// Close drops the receiver together with any queued chunk. A sender
// blocked on a full edge wakes up with [ErrEdgeClosed].
func (r *EdgeReceiver) Close() error {
	e := r.e
	e.mu.Lock()
	if e.recvDone {
		e.mu.Unlock()
		return nil
	}
	e.recvDone = true
	e.chunks = nil
	e.wake = nil
	e.mu.Unlock()
	r.pending = nil
	e.space.notify()
	e.ready.notify()
	return nil
}

// Len returns the number of queued chunks.
func (r *EdgeReceiver) Len() int {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return len(r.e.chunks)
}

// setWaker registers the reader node consuming this edge.
func (r *EdgeReceiver) setWaker(wake *signal) {
	r.e.mu.Lock()
	r.e.wake = wake
	r.e.mu.Unlock()
}
