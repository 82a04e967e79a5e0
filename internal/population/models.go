// Package population assigns members to sub-populations by walking an
// org-configured lookup tree over member attributes, and compiles the same
// tree into SQL predicates for bulk counting.
package population

import (
	"strconv"
	"strings"
	"time"
)

// Sentinel branch values inside the lookup map.
const (
	// ValueIsNull is the branch taken when the member attribute is null or
	// empty.
	ValueIsNull = "IS_NULL"
	// ValueDefaultCase is the branch taken when no explicit sibling matches.
	ValueDefaultCase = "DEFAULT_CASE"
)

// Feature types inside a sub-population's feature set details.
const (
	FeatureTypeTrack  = 1
	FeatureTypeWallet = 2
)

// Node is one level of the lookup tree as decoded from JSON: values are
// either nested Nodes (map[string]any) or numeric sub-population id leaves.
type Node = map[string]any

// Population is an org's sub-population configuration. At most one may be
// active per org at any instant.
type Population struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	LookupKeysCSV  string     `json:"sub_pop_lookup_keys_csv"`
	LookupMap      Node       `json:"sub_pop_lookup_map_json"`
	Advanced       bool       `json:"advanced"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// LookupKeys splits the ordered attribute-key list.
func (p *Population) LookupKeys() []string {
	if p.LookupKeysCSV == "" {
		return nil
	}
	parts := strings.Split(p.LookupKeysCSV, ",")
	keys := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, part)
		}
	}
	return keys
}

// ActiveAt reports whether the population is live at the given instant.
func (p *Population) ActiveAt(now time.Time) bool {
	if p.ActivatedAt == nil || p.ActivatedAt.After(now) {
		return false
	}
	return p.DeactivatedAt == nil || p.DeactivatedAt.After(now)
}

// SubPopulation names one assignable bucket. FeatureSetDetails maps a
// feature-type integer (JSON keys are strings) to the feature ids of that
// type.
type SubPopulation struct {
	ID                int64              `json:"id"`
	PopulationID      int64              `json:"population_id"`
	FeatureSetName    string             `json:"feature_set_name"`
	FeatureSetDetails map[string][]int64 `json:"feature_set_details_json"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Features returns the feature ids of the requested type, or an empty slice
// when the type is not present.
func (sp *SubPopulation) Features(featureType int) []int64 {
	ids := sp.FeatureSetDetails[strconv.Itoa(featureType)]
	if ids == nil {
		return []int64{}
	}
	return ids
}

// MemberSubPopulation records a computed assignment.
type MemberSubPopulation struct {
	ID              int64     `json:"id"`
	MemberID        int64     `json:"member_id"`
	SubPopulationID int64     `json:"sub_population_id"`
	CreatedAt       time.Time `json:"created_at"`
}
