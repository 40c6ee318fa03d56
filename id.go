// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"bytes"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// ID uniquely identifies a [*Reader] or a [*Writer].
//
// Edges are keyed by the ID of the peer node in each endpoint's table, so
// the same value also names the edge between two nodes.
type ID uuid.UUID

// NilID is the zero [ID]. No node is ever assigned this value.
var NilID ID

// NewID returns a UUIDv7 suitable for identifying a node.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewID() ID {
	return ID(runtimex.PanicOnError1(uuid.NewV7()))
}

// String returns the canonical UUID representation.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil returns whether id is the [NilID].
func (id ID) IsNil() bool {
	return id == NilID
}

// compareIDs orders IDs bytewise. We use it to lock two nodes in a
// globally consistent order.
func compareIDs(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
