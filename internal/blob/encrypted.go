package blob

import (
	"context"
	"fmt"

	"census/internal/crypto"
)

// Encrypted wraps a Store with transparent envelope crypto: Put seals the
// payload and stores the envelope metadata; Get verifies and opens it. Objects
// stored without envelope metadata pass through unchanged, so the wrapper can
// front a bucket with a mixed history.
type Encrypted struct {
	inner      Store
	envelope   *crypto.Envelope
	kekName    string
	sigKeyName string
}

// NewEncrypted layers envelope crypto over inner.
func NewEncrypted(inner Store, envelope *crypto.Envelope, kekName, sigKeyName string) *Encrypted {
	return &Encrypted{
		inner:      inner,
		envelope:   envelope,
		kekName:    kekName,
		sigKeyName: sigKeyName,
	}
}

func (e *Encrypted) Get(ctx context.Context, name, bucket string) ([]byte, map[string]string, error) {
	data, metadata, err := e.inner.Get(ctx, name, bucket)
	if err != nil {
		return nil, nil, err
	}
	if metadata[crypto.MetaDEK] == "" {
		return data, metadata, nil
	}
	cleartext, err := e.envelope.Decrypt(ctx, data, metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt blob %s/%s: %w", bucket, name, err)
	}
	return cleartext, metadata, nil
}

func (e *Encrypted) Put(ctx context.Context, data []byte, name, bucket, contentType string, metadata map[string]string) error {
	_, ciphertext, envMeta, err := e.envelope.Encrypt(ctx, data, e.kekName, e.sigKeyName)
	if err != nil {
		return fmt.Errorf("encrypt blob %s/%s: %w", bucket, name, err)
	}
	merged := make(map[string]string, len(metadata)+len(envMeta))
	for k, v := range metadata {
		merged[k] = v
	}
	for k, v := range envMeta {
		merged[k] = v
	}
	return e.inner.Put(ctx, ciphertext, name, bucket, contentType, merged)
}
