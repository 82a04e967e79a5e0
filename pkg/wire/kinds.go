// Package wire holds the data shapes and error taxonomy consumed by the gRPC
// facade. The facade itself lives outside this repository; everything here is
// the contract it reads, so changes are additive only.
package wire

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"census/pkg/platform/sentinel"
)

// Kind is a closed vocabulary of error kinds. Kinds are strings, not types:
// they are persisted with staged error rows and compared across process
// boundaries, so the set here must stay stable.
type Kind string

const (
	KindFileMissing           Kind = "FILE_MISSING"
	KindBadFileEncoding       Kind = "BAD_FILE_ENCODING"
	KindErrorDuringProcessing Kind = "ERROR_DURING_PROCESSING"
	KindClientIDNoMapping     Kind = "CLIENT_ID_NO_MAPPING"
	KindInvalidRow            Kind = "INVALID_ROW"
	KindUnmappedOrganization  Kind = "UNMAPPED_ORGANIZATION"
	KindMissingMetadata       Kind = "MISSING_METADATA"
	KindBadSignature          Kind = "BAD_SIGNATURE"
	KindIntegrityError        Kind = "INTEGRITY_ERROR"
	KindTransientDB           Kind = "TRANSIENT_DB"
	KindNotFound              Kind = "NOT_FOUND"
	KindAlreadyExists         Kind = "ALREADY_EXISTS"
	KindInvalidArgument       Kind = "INVALID_ARGUMENT"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindInternal              Kind = "INTERNAL"
)

// HTTPStatus maps a kind to its HTTP response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound, KindFileMissing:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalidArgument, KindInvalidRow, KindBadFileEncoding:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to the status code the facade emits.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindNotFound, KindFileMissing:
		return codes.NotFound
	case KindAlreadyExists:
		return codes.AlreadyExists
	case KindInvalidArgument, KindInvalidRow, KindBadFileEncoding:
		return codes.InvalidArgument
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindTransientDB:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// KindOf classifies an error into the closed vocabulary. Sentinels arrive
// wrapped, so classification goes through errors.Is.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sentinel.ErrNotFound):
		return KindNotFound
	case errors.Is(err, sentinel.ErrConflict):
		return KindAlreadyExists
	case errors.Is(err, sentinel.ErrInvalidState):
		return KindInvalidArgument
	case errors.Is(err, sentinel.ErrMissingMetadata):
		return KindMissingMetadata
	case errors.Is(err, sentinel.ErrBadSignature):
		return KindBadSignature
	case errors.Is(err, sentinel.ErrIntegrity):
		return KindIntegrityError
	case errors.Is(err, sentinel.ErrBadEncoding):
		return KindBadFileEncoding
	case errors.Is(err, sentinel.ErrNoClientMapping):
		return KindClientIDNoMapping
	case errors.Is(err, sentinel.ErrUnmappedOrg):
		return KindUnmappedOrganization
	case errors.Is(err, sentinel.ErrUnavailable):
		return KindTransientDB
	default:
		return KindInternal
	}
}
