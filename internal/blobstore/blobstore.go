// Package blobstore is the object-store tier holding encoded tile bytes.
// MetaStore holds pointers and state; blobstore holds the PNGs themselves.
package blobstore

import (
	"context"
	"io"
)

// Store is the BlobStore contract.
type Store interface {
	// Get returns the object at path, or ok=false if it does not exist.
	Get(ctx context.Context, path string) (data []byte, ok bool, err error)

	// Put writes data at path with the given content type, overwriting any
	// existing object.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Delete removes the object at path. Deleting an absent object is not
	// an error.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object whose path starts with prefix, used
	// by campaign/region invalidation to drop an entire mosaic's tiles.
	DeletePrefix(ctx context.Context, prefix string) (deleted int, err error)

	Close() error
}

// Reader is satisfied by anything that can stream bytes into Put, kept
// separate from Store.Put's []byte signature for callers that already hold
// an io.Reader from the upstream fetch and don't want to buffer twice.
type Reader interface {
	io.Reader
}
