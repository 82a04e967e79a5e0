package population

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePredicatesSingleKey(t *testing.T) {
	preds, err := CompilePredicates([]string{"work_state"}, Node{
		"NY":           float64(10),
		"CA":           float64(11),
		"IS_NULL":      float64(12),
		"DEFAULT_CASE": float64(13),
	})
	require.NoError(t, err)

	assert.Equal(t, "work_state = 'NY'", preds[10])
	assert.Equal(t, "work_state = 'CA'", preds[11])
	assert.Equal(t, "work_state IS NULL", preds[12])
	assert.Equal(t,
		"work_state IS NOT NULL AND work_state <> 'CA' AND work_state <> 'NY'",
		preds[13])
}

func TestCompilePredicatesDefaultWithoutNullSibling(t *testing.T) {
	preds, err := CompilePredicates([]string{"work_state"}, Node{
		"NY":           float64(10),
		"DEFAULT_CASE": float64(13),
	})
	require.NoError(t, err)

	assert.Equal(t, "work_state <> 'NY'", preds[13])
}

func TestCompilePredicatesNestedKeys(t *testing.T) {
	preds, err := CompilePredicates(
		[]string{"work_state", "custom_attributes.division"},
		Node{
			"NY": Node{
				"retail": float64(20),
			},
			"DEFAULT_CASE": Node{
				"retail":  float64(21),
				"IS_NULL": float64(22),
			},
		})
	require.NoError(t, err)

	assert.Equal(t,
		"work_state = 'NY' AND custom_attributes->>'division' = 'retail'",
		preds[20])
	assert.Equal(t,
		"work_state <> 'NY' AND custom_attributes->>'division' = 'retail'",
		preds[21])
	assert.Equal(t,
		"work_state <> 'NY' AND custom_attributes->>'division' IS NULL",
		preds[22])
}

func TestCompilePredicatesSharedLeaf(t *testing.T) {
	preds, err := CompilePredicates([]string{"work_state"}, Node{
		"NY": float64(10),
		"NJ": float64(10),
	})
	require.NoError(t, err)

	assert.Equal(t, "(work_state = 'NJ') OR (work_state = 'NY')", preds[10])
}

func TestCompilePredicatesQuoting(t *testing.T) {
	preds, err := CompilePredicates([]string{"last_name"}, Node{
		"O'Brien": float64(5),
	})
	require.NoError(t, err)

	assert.Equal(t, "last_name = 'O''Brien'", preds[5])
}

func TestCompilePredicatesDeepJSONColumn(t *testing.T) {
	preds, err := CompilePredicates([]string{"record.benefits.tier"}, Node{
		"gold": float64(7),
	})
	require.NoError(t, err)

	assert.Equal(t, "record->'benefits'->>'tier' = 'gold'", preds[7])
}

func TestCompilePredicatesRejectsEmptyKeys(t *testing.T) {
	_, err := CompilePredicates(nil, Node{"NY": float64(10)})
	assert.Error(t, err)
}

func TestCompilePredicatesRejectsNULBytes(t *testing.T) {
	_, err := CompilePredicates([]string{"work_state"}, Node{
		"CA\x00": float64(10),
	})
	assert.Error(t, err)

	_, err = CompilePredicates([]string{"work\x00state"}, Node{
		"CA": float64(10),
	})
	assert.Error(t, err)
}

func TestCompilePredicatesRejectsOverdeepTree(t *testing.T) {
	_, err := CompilePredicates([]string{"work_state"}, Node{
		"NY": Node{"extra": float64(10)},
	})
	assert.Error(t, err)
}
