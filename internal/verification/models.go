// Package verification records which users proved eligibility against which
// member rows, and serves the identity lookups the gRPC facade consumes.
//
// Two generations of the verification row coexist. V2 points at the exact
// versioned member row it verified; v1 is the legacy shape still read by
// older consumers. For organisations flagged onto v2, every write produces
// both rows in one transaction, v2 first, with v1 carrying the back-pointer.
package verification

import "time"

// Lookup policies recorded on attempts. These name which identity tuple
// matched, not how the caller authenticated.
const (
	PolicyPrimary         = "primary"
	PolicySecondary       = "secondary"
	PolicyTertiary        = "tertiary"
	PolicyClientSpecific  = "client_specific"
	PolicyOrgIdentity     = "org_identity"
	PolicyOvereligibility = "overeligibility"
)

// Verification is the legacy (v1) verification row.
type Verification struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	OrganizationID   int64      `json:"organization_id"`
	VerificationType string     `json:"verification_type"`
	UniqueCorpID     string     `json:"unique_corp_id"`
	DependentID      string     `json:"dependent_id"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	DateOfBirth      string     `json:"date_of_birth"`
	WorkState        string     `json:"work_state"`
	VerifiedAt       time.Time  `json:"verified_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`

	// Verification2ID back-references the v2 row for dual-written orgs.
	Verification2ID     *int64            `json:"verification_2_id,omitempty"`
	AdditionalFields    map[string]string `json:"additional_fields,omitempty"`
	VerificationSession string            `json:"verification_session,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Active reports whether the verification has not been deactivated.
func (v *Verification) Active() bool {
	return v.DeactivatedAt == nil
}

// Verification2 additionally pins the exact member version that satisfied
// the verification.
type Verification2 struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	OrganizationID   int64      `json:"organization_id"`
	VerificationType string     `json:"verification_type"`
	UniqueCorpID     string     `json:"unique_corp_id"`
	DependentID      string     `json:"dependent_id"`
	MemberID         int64      `json:"member_id"`
	MemberVersion    int        `json:"member_version"`
	VerifiedAt       time.Time  `json:"verified_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Attempt is the audit row written for every verification write, matched or
// not.
type Attempt struct {
	ID                     int64  `json:"id"`
	UserID                 int64  `json:"user_id"`
	OrganizationID         int64  `json:"organization_id"`
	VerificationType       string `json:"verification_type"`
	PolicyUsed             string `json:"policy_used"`
	SuccessfulVerification bool   `json:"successful_verification"`

	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Email        string `json:"email,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	WorkState    string `json:"work_state,omitempty"`
	UniqueCorpID string `json:"unique_corp_id,omitempty"`
	DependentID  string `json:"dependent_id,omitempty"`

	// VerificationID is set on successful attempts only.
	VerificationID *int64    `json:"verification_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemberVerification joins a member snapshot to the verification it
// satisfied. Attempt is nil for joins created by flush pre-verification.
type MemberVerification struct {
	ID                    int64     `json:"id"`
	MemberID              int64     `json:"member_id"`
	VerificationID        int64     `json:"verification_id"`
	VerificationAttemptID *int64    `json:"verification_attempt_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}
