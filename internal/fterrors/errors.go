// Package fterrors defines the error kinds shared by the storage engine,
// HTTP server and client, so that each layer can map a single cause to its
// own transport-specific shape with errors.Is instead of string matching.
package fterrors

import "errors"

var (
	// ErrInvalidName is returned when a logical name fails validation:
	// not absolute, contains "..", or has more than one "@" in its
	// final segment.
	ErrInvalidName = errors.New("filetracker: invalid name")

	// ErrNotFound is returned when a link or logical file does not exist.
	ErrNotFound = errors.New("filetracker: not found")

	// ErrConcurrentModification is returned when lock acquisition
	// exhausts its retry budget.
	ErrConcurrentModification = errors.New("filetracker: concurrent modification")

	// ErrInternalInconsistency is returned when the metadata store and
	// the filesystem disagree, e.g. a link exists but its digest has
	// no refcount entry.
	ErrInternalInconsistency = errors.New("filetracker: internal inconsistency")

	// ErrTransport wraps networking/HTTP failures observed by the client.
	ErrTransport = errors.New("filetracker: transport error")

	// ErrProtocolNegotiation is returned when client and server share no
	// protocol version.
	ErrProtocolNegotiation = errors.New("filetracker: protocol negotiation failed")
)
