// Package member holds the canonical member schema and its versioned
// persistence. A member identity is the triple (organization_id,
// unique_corp_id, dependent_id); state is append-only, with exactly one live
// version per identity.
package member

import (
	"encoding/json"
	"time"
)

// HashVersionXX64 identifies the xxhash64-over-canonical-tuple scheme.
// Bumping the scheme means a new constant, never a silent rehash.
const HashVersionXX64 = 1

// Record is the original inbound row, canonical and unknown columns alike.
type Record map[string]string

// Member is one versioned member row.
//
// Invariants:
//   - at most one row per identity triple with EffectiveTo == nil (live)
//   - updates insert a new row; rows are append-only
//   - a live row with HashValue set shares its (org, hash) with no other live row
type Member struct {
	ID             int64  `json:"id"`
	Version        int    `json:"version"`
	OrganizationID int64  `json:"organization_id"`
	UniqueCorpID   string `json:"unique_corp_id"`
	DependentID    string `json:"dependent_id"`

	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	DateOfBirth string `json:"date_of_birth"`
	WorkState   string `json:"work_state"`

	// EffectiveFrom/EffectiveTo form the half-open validity interval
	// [from, to); a nil EffectiveTo marks the live version.
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Record             Record            `json:"record"`
	CustomAttributes   map[string]any    `json:"custom_attributes,omitempty"`
	EmployerAssignedID string            `json:"employer_assigned_id,omitempty"`
	GenderCode         string            `json:"gender_code,omitempty"`
	DoNotContact       string            `json:"do_not_contact,omitempty"`
	AdditionalFields   map[string]string `json:"additional_fields,omitempty"`

	// HashValue content-addresses the row; HashVersion names the scheme that
	// produced it. Both clear on expiry so identical content can live again.
	HashValue   *int64 `json:"hash_value,omitempty"`
	HashVersion *int   `json:"hash_version,omitempty"`

	// FileID points at the file that last asserted this row.
	FileID int64 `json:"file_id"`

	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the triple that keys the versioned table.
func (m *Member) Identity() Identity {
	return Identity{
		OrganizationID: m.OrganizationID,
		UniqueCorpID:   m.UniqueCorpID,
		DependentID:    m.DependentID,
	}
}

// LiveAt reports whether the row's effective range contains the instant.
func (m *Member) LiveAt(now time.Time) bool {
	if m.EffectiveFrom != nil && m.EffectiveFrom.After(now) {
		return false
	}
	return m.EffectiveTo == nil || m.EffectiveTo.After(now)
}

// Identity is the member identity triple.
type Identity struct {
	OrganizationID int64
	UniqueCorpID   string
	DependentID    string
}

// JSON serialises the raw record with sorted keys, the canonical form used
// both for persistence and for row hashing.
func (r Record) JSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Address is the one-to-one postal address for a member version, cascaded by
// member id.
type Address struct {
	MemberID     int64  `json:"member_id"`
	AddressLine1 string `json:"address_1"`
	AddressLine2 string `json:"address_2,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	ZipCode      string `json:"zip_code,omitempty"`
	Country      string `json:"country,omitempty"`
}
