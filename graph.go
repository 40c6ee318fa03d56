// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"fmt"
	"log/slog"
)

// Attach connects w to r with a new explicit edge.
//
// The edge is created with the capacity and policy of w, since the policy
// governs what happens to w when the edge is full. Both edge tables are
// updated while holding both node locks, so no partial attach is visible.
//
// Returns [ErrEdgeAlreadyExists], without changing either node, if the two
// nodes are already related: an edge exists in either table, one node was
// spawned from the other, or they share an ID.
func Attach(w *Writer, r *Reader) error {
	t0 := w.TimeNow()
	w.Logger.Info(
		"attachStart",
		slog.String("readerID", r.id.String()),
		slog.String("writerID", w.id.String()),
		slog.Time("t", t0),
	)
	err := attach(w, r)
	w.Logger.Info(
		"attachDone",
		slog.Any("err", err),
		slog.String("errClass", w.ErrClassifier.Classify(err)),
		slog.String("readerID", r.id.String()),
		slog.String("writerID", w.id.String()),
		slog.Time("t0", t0),
		slog.Time("t", w.TimeNow()),
	)
	return err
}

func attach(w *Writer, r *Reader) error {
	unlock := lockPair(w, r)
	defer unlock()

	if spawnLinked(w, r) {
		return fmt.Errorf("%w: %s is structurally linked to %s", ErrEdgeAlreadyExists, w.id, r.id)
	}
	if _, found := w.edges[r.id]; found {
		return fmt.Errorf("%w: writer %s already feeds %s", ErrEdgeAlreadyExists, w.id, r.id)
	}
	if _, found := r.edges[w.id]; found {
		return fmt.Errorf("%w: reader %s already consumes %s", ErrEdgeAlreadyExists, r.id, w.id)
	}

	tx, rx := NewEdge(w.EdgeCapacity, w.Policy)
	_ = w.addLocked(r.id, tx, ProvenanceExplicit) // checked above
	_ = r.addLocked(w.id, rx, ProvenanceExplicit) // checked above
	return nil
}

// Detach removes the explicit edge between w and r from both tables and
// closes it. Chunks still queued on the edge are discarded.
//
// Returns [ErrDetachForbidden] if the edge is a spawn edge (whichever node
// was spawned) or w and r share an ID, and [ErrEdgeNotFound] if the nodes
// are not connected. Neither error changes the nodes.
func Detach(w *Writer, r *Reader) error {
	t0 := w.TimeNow()
	w.Logger.Info(
		"detachStart",
		slog.String("readerID", r.id.String()),
		slog.String("writerID", w.id.String()),
		slog.Time("t", t0),
	)
	err := detach(w, r)
	w.Logger.Info(
		"detachDone",
		slog.Any("err", err),
		slog.String("errClass", w.ErrClassifier.Classify(err)),
		slog.String("readerID", r.id.String()),
		slog.String("writerID", w.id.String()),
		slog.Time("t0", t0),
		slog.Time("t", w.TimeNow()),
	)
	return err
}

func detach(w *Writer, r *Reader) error {
	unlock := lockPair(w, r)
	defer unlock()

	if spawnLinked(w, r) {
		return fmt.Errorf("%w: %s is structurally linked to %s", ErrDetachForbidden, w.id, r.id)
	}
	out, outFound := w.edges[r.id]
	in, inFound := r.edges[w.id]
	if (outFound && out.provenance == ProvenanceSpawn) || (inFound && in.provenance == ProvenanceSpawn) {
		return fmt.Errorf("%w: %s is structurally linked to %s", ErrDetachForbidden, w.id, r.id)
	}
	if !outFound && !inFound {
		return fmt.Errorf("%w: between writer %s and reader %s", ErrEdgeNotFound, w.id, r.id)
	}

	if outFound {
		w.removeLocked(r.id)
		out.tx.Close()
	}
	if inFound {
		r.removeLocked(w.id)
		in.rx.Close()
	}
	return nil
}

// spawnLinked returns whether w and r are linked by construction.
func spawnLinked(w *Writer, r *Reader) bool {
	return w.id == r.id ||
		(!r.spawnPeer.IsNil() && r.spawnPeer == w.id) ||
		(!w.spawnPeer.IsNil() && w.spawnPeer == r.id)
}

// lockPair locks both nodes in ID order and returns the unlock function.
// Ties (a reader and a writer sharing an ID) lock the writer first.
func lockPair(w *Writer, r *Reader) func() {
	if compareIDs(r.id, w.id) < 0 {
		r.mu.Lock()
		w.mu.Lock()
	} else {
		w.mu.Lock()
		r.mu.Lock()
	}
	return func() {
		r.mu.Unlock()
		w.mu.Unlock()
	}
}
