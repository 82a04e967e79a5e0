package wire

import "time"

// VerificationKey is the pointer surfaced to external callers. IsV2 reflects
// the org-level read flag at response time; it does not transform the record.
type VerificationKey struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
	IsV2           bool   `json:"is_v2"`
	Member2ID      *int64 `json:"member_2_id,omitempty"`
	Member2Version *int   `json:"member_2_version,omitempty"`
}

// MemberSnapshot carries the identity and PII of the member row that satisfied
// a verification, as of the snapshot the facade should render.
type MemberSnapshot struct {
	MemberID       int64      `json:"member_id"`
	OrganizationID int64      `json:"organization_id"`
	UniqueCorpID   string     `json:"unique_corp_id"`
	DependentID    string     `json:"dependent_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	DateOfBirth    string     `json:"date_of_birth"`
	WorkState      string     `json:"work_state"`
	EffectiveFrom  *time.Time `json:"effective_from,omitempty"`
	EffectiveTo    *time.Time `json:"effective_to,omitempty"`
}

// EligibilityVerificationForUser is the record the gRPC facade emits for a
// verified user. Field layout is part of the consumed contract.
type EligibilityVerificationForUser struct {
	UserID              int64             `json:"user_id"`
	OrganizationID      int64             `json:"organization_id"`
	VerificationType    string            `json:"verification_type"`
	UniqueCorpID        string            `json:"unique_corp_id"`
	DependentID         string            `json:"dependent_id"`
	FirstName           string            `json:"first_name"`
	LastName            string            `json:"last_name"`
	Email               string            `json:"email"`
	DateOfBirth         string            `json:"date_of_birth"`
	WorkState           string            `json:"work_state"`
	VerifiedAt          time.Time         `json:"verified_at"`
	DeactivatedAt       *time.Time        `json:"deactivated_at,omitempty"`
	AdditionalFields    map[string]string `json:"additional_fields,omitempty"`
	VerificationSession string            `json:"verification_session,omitempty"`
	Member              *MemberSnapshot   `json:"member,omitempty"`
	Key                 VerificationKey   `json:"verification_key"`
}
