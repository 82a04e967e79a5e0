// Package org holds organisation configuration: the per-tenant census
// settings, the external-ID mappings that route data-provider rows, and the
// header aliases that translate inbound CSV columns to the canonical schema.
package org

import (
	"strings"
	"time"

	pstrings "census/pkg/platform/strings"
)

// Organization is a tenant's census configuration.
//
// Invariants:
//   - DirectoryName is a unique slug; at most one active configuration per slug
//   - ActivatedAt <= TerminatedAt when both are set
type Organization struct {
	ID              int64      `json:"id"`
	DirectoryName   string     `json:"directory_name"`
	EmailDomains    []string   `json:"email_domains"`
	DataProvider    bool       `json:"data_provider"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	TerminatedAt    *time.Time `json:"terminated_at,omitempty"`
	EmployeeOnly    bool       `json:"employee_only"`
	MedicalPlanOnly bool       `json:"medical_plan_only"`
	EligibilityType string     `json:"eligibility_type"`
	// Implementation tags orgs with a client-specific verification path.
	Implementation string `json:"implementation,omitempty"`
}

// ActiveAt reports whether the configuration is live at the given instant.
func (o *Organization) ActiveAt(now time.Time) bool {
	if o.ActivatedAt == nil || o.ActivatedAt.After(now) {
		return false
	}
	return o.TerminatedAt == nil || o.TerminatedAt.After(now)
}

// ExternalID associates an inbound client identifier with a census
// organisation. The mapping set is fully rebuilt on each sync from the
// upstream system; rows are never mutated piecewise.
type ExternalID struct {
	Source                     string `json:"source"`
	ExternalID                 string `json:"external_id"`
	OrganizationID             int64  `json:"organization_id"`
	DataProviderOrganizationID *int64 `json:"data_provider_organization_id,omitempty"`
}

// CompositeExternalID builds the "client:customer" composite key used by
// data-provider feeds that qualify a client id with a customer id.
func CompositeExternalID(clientID, customerID string) string {
	clientID = strings.TrimSpace(clientID)
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return clientID
	}
	return clientID + ":" + customerID
}

// ExternalIDMap is the external_id → organization_id lookup the parser routes
// data-provider rows through.
type ExternalIDMap map[string]int64

// Resolve tries the composite (client_id, customer_id) key first, then the
// client_id alone.
func (m ExternalIDMap) Resolve(clientID, customerID string) (int64, bool) {
	if customerID != "" {
		if orgID, ok := m[CompositeExternalID(clientID, customerID)]; ok {
			return orgID, true
		}
	}
	orgID, ok := m[strings.TrimSpace(clientID)]
	return orgID, ok
}

// BuildExternalIDMap indexes a mapping set for row routing.
func BuildExternalIDMap(ids []ExternalID) ExternalIDMap {
	m := make(ExternalIDMap, len(ids))
	for _, id := range ids {
		m[id.ExternalID] = id.OrganizationID
	}
	return m
}

// HeaderAlias maps one inbound column name to a canonical header for one org.
// Unique on (OrganizationID, CanonicalHeader).
type HeaderAlias struct {
	OrganizationID  int64  `json:"organization_id"`
	CanonicalHeader string `json:"canonical_header"`
	Alias           string `json:"alias"`
}

// HeaderMapping is the effective inbound → canonical lookup for one org:
// built-in defaults with tenant overrides merged on top. Keys are lowercased.
type HeaderMapping map[string]string

// defaultAliases cover the inbound spellings seen across tenants that never
// configured overrides. Canonical names always map to themselves.
var defaultAliases = map[string]string{
	"first_name":           "first_name",
	"last_name":            "last_name",
	"email":                "email",
	"email_address":        "email",
	"date_of_birth":        "date_of_birth",
	"dob":                  "date_of_birth",
	"birth_date":           "date_of_birth",
	"unique_corp_id":       "unique_corp_id",
	"employee_id":          "unique_corp_id",
	"dependent_id":         "dependent_id",
	"work_state":           "work_state",
	"state":                "state",
	"gender":               "gender_code",
	"gender_code":          "gender_code",
	"do_not_contact":       "do_not_contact",
	"employer_assigned_id": "employer_assigned_id",
	"client_id":            "client_id",
	"customer_id":          "customer_id",
	"address_1":            "address_1",
	"address_2":            "address_2",
	"city":                 "city",
	"zip_code":             "zip_code",
	"country":              "country",
}

// NewHeaderMapping merges tenant aliases over the built-in defaults. The
// tenant alias wins when both claim the same inbound spelling.
func NewHeaderMapping(aliases []HeaderAlias) HeaderMapping {
	m := make(HeaderMapping, len(defaultAliases)+len(aliases))
	for alias, canonical := range defaultAliases {
		m[alias] = canonical
	}
	for _, a := range aliases {
		alias := strings.ToLower(strings.TrimSpace(a.Alias))
		if alias == "" {
			continue
		}
		m[alias] = strings.ToLower(strings.TrimSpace(a.CanonicalHeader))
	}
	return m
}

// Canonical resolves an inbound header, case-folded. The second return is
// false for columns with no mapping; those stay in the raw record only.
func (m HeaderMapping) Canonical(inbound string) (string, bool) {
	canonical, ok := m[strings.ToLower(strings.TrimSpace(inbound))]
	return canonical, ok
}

// NormalizeEmailDomains dedupes and lowercases an org's email domain set.
func NormalizeEmailDomains(domains []string) []string {
	return pstrings.DedupeAndTrimLower(domains)
}
