package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "trims whitespace", input: []string{" ny ", "ca  "}, expected: []string{"ny", "ca"}},
		{name: "drops empties and duplicates", input: []string{"ny", "", "  ", "ny", "ca"}, expected: []string{"ny", "ca"}},
		{name: "preserves case", input: []string{"NY", "ny"}, expected: []string{"NY", "ny"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "lowercases before deduping", input: []string{"Acme.com", "acme.com", "ACME.COM"}, expected: []string{"acme.com"}},
		{name: "trims then lowercases", input: []string{"  First_Name ", "first_name"}, expected: []string{"first_name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrimLower(tt.input))
		})
	}
}

func TestDedupeInt64(t *testing.T) {
	assert.Equal(t, []int64{301, 302}, DedupeInt64([]int64{301, 302, 301, 301}))
	assert.Nil(t, DedupeInt64(nil))
}
