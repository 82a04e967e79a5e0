// Package blob provides a uniform facade over census object storage: a remote
// backend for deployments and an on-disk fixture backend for local runs and
// tests. The Encrypted wrapper layers envelope crypto over either.
package blob

import "context"

// Store is the uniform blob contract. Get returns the object bytes and the
// metadata stored with it; a missing object surfaces sentinel.ErrNotFound.
type Store interface {
	Get(ctx context.Context, name, bucket string) ([]byte, map[string]string, error)
	Put(ctx context.Context, data []byte, name, bucket, contentType string, metadata map[string]string) error
}
