package parser

import (
	"fmt"
	"strings"
	"time"
)

// dobLayouts in tie-break order: ISO wins, then US month-first, then
// day-first. A value matching several layouts resolves to the first.
var dobLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02-01-2006",
	"1/2/2006",
}

// ParseDateOfBirth coerces the tenant-supplied date spellings into a wire
// date. Returns the normalised ISO form.
func ParseDateOfBirth(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty date of birth")
	}
	for _, layout := range dobLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		// time.Parse normalises out-of-range components (2024-02-31 becomes
		// March 2nd); round-trip to reject those.
		if t.Format(layout) != value {
			continue
		}
		return t.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("unparseable date of birth %q", value)
}
