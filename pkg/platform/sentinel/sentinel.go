package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into wire-level kinds.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: uniqueness or state conflict on write
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: service or resource temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)

// Crypto and ingest kinds. These mirror the error vocabulary persisted with
// parse results, so a wrapped sentinel and a staged error row always agree.
var (
	ErrMissingMetadata = errors.New("missing metadata")
	ErrBadSignature    = errors.New("bad signature")
	ErrIntegrity       = errors.New("integrity error")
	ErrBadEncoding     = errors.New("bad file encoding")
	ErrNoClientMapping = errors.New("client id has no mapping")
	ErrUnmappedOrg     = errors.New("unmapped organization")
)
