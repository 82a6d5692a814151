// Package storage persists per-item notification state blobs.
//
// The engine owns the record shape; this package only stores opaque
// bytes keyed by item id, so schema evolution stays in one place.
package storage
