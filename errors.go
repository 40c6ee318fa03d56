// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import "errors"

// Graph operation errors. These never mutate the graph: when one of them
// is returned, both endpoints are exactly as they were before the call.
var (
	// ErrEdgeAlreadyExists indicates that the two nodes are already connected.
	ErrEdgeAlreadyExists = errors.New("multipipe: edge already exists")

	// ErrEdgeNotFound indicates that no edge connects the two nodes.
	ErrEdgeNotFound = errors.New("multipipe: edge not found")

	// ErrDetachForbidden indicates an attempt to remove the edge that links a
	// spawned node to the node it was spawned from (or the two halves of a
	// single transport). Such edges are permanent.
	ErrDetachForbidden = errors.New("multipipe: detaching a spawn edge is forbidden")
)

// I/O errors.
var (
	// ErrEdgeClosed is returned to an edge sender whose receiver is gone, and
	// to either handle when used after being closed.
	ErrEdgeClosed = errors.New("multipipe: edge closed")

	// ErrNodeClosed is returned by I/O on a node after Close or Shutdown.
	ErrNodeClosed = errors.New("multipipe: node closed")

	// ErrDesync indicates that the keystreams of a [*CipherStream] and its
	// peer no longer advance in lockstep. The session cannot recover and must
	// be established again with a fresh nonce.
	ErrDesync = errors.New("multipipe: cipher keystream desynchronized")

	// ErrInvalidKey indicates a cipher key of the wrong size.
	ErrInvalidKey = errors.New("multipipe: invalid cipher key size")

	// ErrInvalidNonce indicates a cipher nonce of the wrong size.
	ErrInvalidNonce = errors.New("multipipe: invalid cipher nonce size")

	// ErrFrameTooLarge indicates a [*CompressStream] frame larger than
	// [MaxCompressedFrameSize].
	ErrFrameTooLarge = errors.New("multipipe: compressed frame too large")
)
