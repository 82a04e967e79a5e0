package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"census/pkg/platform/sentinel"
)

// Metadata keys carried alongside an encrypted blob.
const (
	MetaKey    = "key"
	MetaDEK    = "dek"
	MetaNonce  = "nonce"
	MetaHash   = "hash"
	MetaSig    = "sig"
	MetaSigKey = "sigKey"
)

const (
	nonceSize = 12
	dekSize   = 32
	tagSize   = 16
)

// Envelope encrypts and decrypts blobs using per-object DEKs wrapped by a KMS
// KEK. Metadata integrity is protected by an ECDSA-P256 signature over the
// canonical fingerprint of the metadata subset {key, dek, nonce, hash, sigKey}.
type Envelope struct {
	kms KMS
}

// NewEnvelope builds an Envelope over the given KMS.
func NewEnvelope(kms KMS) *Envelope {
	return &Envelope{kms: kms}
}

// Encrypt seals cleartext and returns the plaintext SHA-256 hex, the
// ciphertext (GCM tag appended), and the full metadata map.
func (e *Envelope) Encrypt(ctx context.Context, cleartext []byte, kekName, sigKeyName string) (string, []byte, map[string]string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", nil, nil, fmt.Errorf("generate DEK: %w", err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return "", nil, nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, cleartext, nil)

	wrappedDEK, err := e.kms.Encrypt(ctx, kekName, dek)
	if err != nil {
		return "", nil, nil, fmt.Errorf("wrap DEK: %w", err)
	}

	sum := sha256.Sum256(cleartext)
	hashHex := hex.EncodeToString(sum[:])

	metadata := map[string]string{
		MetaKey:    kekName,
		MetaDEK:    b64(wrappedDEK),
		MetaNonce:  b64(nonce),
		MetaHash:   hashHex,
		MetaSigKey: sigKeyName,
	}

	digest, err := fingerprint(metadata)
	if err != nil {
		return "", nil, nil, err
	}
	sig, err := e.kms.Sign(ctx, sigKeyName, digest)
	if err != nil {
		return "", nil, nil, fmt.Errorf("sign metadata: %w", err)
	}
	metadata[MetaSig] = b64(sig)

	return hashHex, ciphertext, metadata, nil
}

// Decrypt verifies the metadata signature, unwraps the DEK, opens the
// ciphertext, and checks the plaintext hash.
func (e *Envelope) Decrypt(ctx context.Context, ciphertext []byte, metadata map[string]string) ([]byte, error) {
	for _, k := range []string{MetaKey, MetaDEK, MetaNonce, MetaHash, MetaSig, MetaSigKey} {
		if metadata[k] == "" {
			return nil, fmt.Errorf("metadata %q: %w", k, sentinel.ErrMissingMetadata)
		}
	}

	digest, err := fingerprint(metadata)
	if err != nil {
		return nil, err
	}
	sig, err := unb64(metadata[MetaSig])
	if err != nil {
		return nil, fmt.Errorf("decode sig: %w", errJoinBadSignature(err))
	}
	pub, err := e.publicKey(ctx, metadata[MetaSigKey])
	if err != nil {
		return nil, err
	}
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return nil, fmt.Errorf("metadata signature mismatch: %w", sentinel.ErrBadSignature)
	}

	wrappedDEK, err := unb64(metadata[MetaDEK])
	if err != nil {
		return nil, fmt.Errorf("decode dek: %w", sentinel.ErrMissingMetadata)
	}
	dek, err := e.kms.Decrypt(ctx, metadata[MetaKey], wrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("unwrap DEK: %w", err)
	}
	nonce, err := unb64(metadata[MetaNonce])
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("decode nonce: %w", sentinel.ErrMissingMetadata)
	}

	if len(ciphertext) < tagSize {
		return nil, fmt.Errorf("ciphertext shorter than GCM tag: %w", sentinel.ErrIntegrity)
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	cleartext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", sentinel.ErrIntegrity)
	}

	sum := sha256.Sum256(cleartext)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(metadata[MetaHash])) != 1 {
		return nil, fmt.Errorf("plaintext hash mismatch: %w", sentinel.ErrIntegrity)
	}
	return cleartext, nil
}

func (e *Envelope) publicKey(ctx context.Context, keyName string) (*ecdsa.PublicKey, error) {
	pemBytes, err := e.kms.PublicKeyPEM(ctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("public key not PEM: %w", sentinel.ErrBadSignature)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", errJoinBadSignature(err))
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA: %w", sentinel.ErrBadSignature)
	}
	return pub, nil
}

// fingerprint is the SHA-256 of the canonical JSON of the signed metadata
// subset: keys sorted lexicographically, no whitespace. encoding/json already
// sorts map keys, which is the producer's canonical form. Base64 values are
// canonicalised to their unpadded form so a re-padding consumer still verifies.
func fingerprint(metadata map[string]string) ([]byte, error) {
	subset := map[string]string{
		MetaKey:    metadata[MetaKey],
		MetaDEK:    strings.TrimRight(metadata[MetaDEK], "="),
		MetaNonce:  strings.TrimRight(metadata[MetaNonce], "="),
		MetaHash:   metadata[MetaHash],
		MetaSigKey: metadata[MetaSigKey],
	}
	raw, err := json.Marshal(subset)
	if err != nil {
		return nil, fmt.Errorf("marshal fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// b64 emits padding-stripped base64url, matching the producer this service
// interoperates with.
func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// unb64 decodes base64url whether or not the producer kept padding.
func unb64(value string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}

func errJoinBadSignature(err error) error {
	return fmt.Errorf("%w: %w", sentinel.ErrBadSignature, err)
}
