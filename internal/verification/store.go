package verification

import "context"

// Store is the persistence surface for verification rows. Create methods
// populate the model's ID and CreatedAt in place and must be called inside
// the ambient transaction when dual-writing.
type Store interface {
	CreateV2(ctx context.Context, v *Verification2) error
	CreateV1(ctx context.Context, v *Verification) error
	CreateAttempt(ctx context.Context, a *Attempt) error
	CreateMemberVerification(ctx context.Context, mv *MemberVerification) error

	// SetSession stores the session token minted once the v1 row has an id.
	SetSession(ctx context.Context, verificationID int64, session string) error

	// GetForUser fetches the v1 row scoped to its owning user.
	GetForUser(ctx context.Context, verificationID, userID int64) (*Verification, error)
	// GetV2ByID fetches a v2 row; sentinel.ErrNotFound when absent.
	GetV2ByID(ctx context.Context, id int64) (*Verification2, error)
	// ListActiveForUser returns the user's non-deactivated v1 rows.
	ListActiveForUser(ctx context.Context, userID int64) ([]Verification, error)

	DeactivateV1(ctx context.Context, verificationID, userID int64) error
	DeactivateV2(ctx context.Context, verification2ID int64) error
}
