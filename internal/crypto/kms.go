// Package crypto implements envelope encryption for census blobs: a fresh DEK
// per object, AES-GCM for the body, the DEK wrapped by a KMS-held KEK, and an
// ECDSA-P256 signature over the canonical metadata fingerprint.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"census/pkg/platform/sentinel"
)

// KMS is the key-management surface the envelope layer depends on. The
// production binding talks to the cloud KMS; LocalKMS backs tests and the
// on-disk fixture environment.
type KMS interface {
	// Encrypt wraps plaintext (a DEK) under the named KEK.
	Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error)
	// Decrypt unwraps ciphertext under the named KEK.
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
	// Sign produces an ASN.1 ECDSA-P256 signature over a SHA-256 digest.
	Sign(ctx context.Context, keyName string, digest []byte) ([]byte, error)
	// PublicKeyPEM returns the PEM-encoded public key for a signing key.
	PublicKeyPEM(ctx context.Context, keyName string) ([]byte, error)
}

// LocalKMS keeps KEKs and signing keys in process memory. Key names follow the
// same resource-name convention as the remote KMS so metadata round-trips.
type LocalKMS struct {
	mu       sync.RWMutex
	keks     map[string][]byte
	signKeys map[string]*ecdsa.PrivateKey
}

// NewLocalKMS returns an empty local KMS.
func NewLocalKMS() *LocalKMS {
	return &LocalKMS{
		keks:     make(map[string][]byte),
		signKeys: make(map[string]*ecdsa.PrivateKey),
	}
}

// CreateKEK generates and registers a 32-byte KEK under name.
func (k *LocalKMS) CreateKEK(name string) error {
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		return fmt.Errorf("generate KEK: %w", err)
	}
	k.mu.Lock()
	k.keks[name] = kek
	k.mu.Unlock()
	return nil
}

// CreateSigningKey generates and registers an ECDSA-P256 key under name.
func (k *LocalKMS) CreateSigningKey(name string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	k.mu.Lock()
	k.signKeys[name] = key
	k.mu.Unlock()
	return nil
}

// ProvisionLocalKMS opens a LocalKMS whose key material persists under dir,
// generating the named KEK and signing key on first use. Blobs encrypted in a
// previous run stay decryptable after a restart.
func ProvisionLocalKMS(dir, kekName, sigKeyName string) (*LocalKMS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	k := NewLocalKMS()

	kekPath := filepath.Join(dir, "blob.kek")
	kek, err := os.ReadFile(kekPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		kek = make([]byte, 32)
		if _, err := rand.Read(kek); err != nil {
			return nil, fmt.Errorf("generate KEK: %w", err)
		}
		if err := os.WriteFile(kekPath, kek, 0o600); err != nil {
			return nil, fmt.Errorf("persist KEK: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read KEK: %w", err)
	case len(kek) != 32:
		return nil, fmt.Errorf("KEK file %s is not 32 bytes", kekPath)
	}
	k.keks[kekName] = kek

	sigPath := filepath.Join(dir, "blob-signing.pem")
	raw, err := os.ReadFile(sigPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshal signing key: %w", err)
		}
		encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(sigPath, encoded, 0o600); err != nil {
			return nil, fmt.Errorf("persist signing key: %w", err)
		}
		k.signKeys[sigKeyName] = key
	case err != nil:
		return nil, fmt.Errorf("read signing key: %w", err)
	default:
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("signing key file %s is not PEM", sigPath)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		k.signKeys[sigKeyName] = key
	}
	return k, nil
}

// Encrypt wraps plaintext under the named KEK with AES-GCM. The nonce is
// prepended to the returned ciphertext.
func (k *LocalKMS) Encrypt(_ context.Context, keyName string, plaintext []byte) ([]byte, error) {
	kek, err := k.kek(keyName)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt unwraps ciphertext produced by Encrypt.
func (k *LocalKMS) Decrypt(_ context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	kek, err := k.kek(keyName)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("wrapped DEK too short: %w", sentinel.ErrIntegrity)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap DEK: %w", sentinel.ErrIntegrity)
	}
	return plaintext, nil
}

// Sign signs digest with the named ECDSA key.
func (k *LocalKMS) Sign(_ context.Context, keyName string, digest []byte) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.signKeys[keyName]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signing key %q: %w", keyName, sentinel.ErrNotFound)
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM returns the PEM-encoded public half of the named signing key.
func (k *LocalKMS) PublicKeyPEM(_ context.Context, keyName string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.signKeys[keyName]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signing key %q: %w", keyName, sentinel.ErrNotFound)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (k *LocalKMS) kek(name string) ([]byte, error) {
	k.mu.RLock()
	kek, ok := k.keks[name]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("KEK %q: %w", name, sentinel.ErrNotFound)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM: %w", err)
	}
	return gcm, nil
}
