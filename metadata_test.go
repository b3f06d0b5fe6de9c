package flowplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSignatureDoc = `[
  {
    "name": "counter",
    "description": "Counts things in the pipeline.",
    "category": "filters",
    "search_terms": ["count", "tally"],
    "required": [{"name": "column", "description": "column to count"}],
    "optional": [{"name": "limit", "optional": true}],
    "rest": {"name": "extra"},
    "flags": [
      {"long": "verbose", "short": "v", "description": "log more"},
      {"long": "output", "takes_value": true, "required": true}
    ]
  },
  {"name": "counter reset"}
]`

func TestParseSignatures(t *testing.T) {
	sigs, err := ParseSignatures([]byte(validSignatureDoc))
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, "counter", sigs[0].Name)
	assert.Equal(t, "filters", sigs[0].Category)
	require.Len(t, sigs[0].Required, 1)
	assert.Equal(t, "column", sigs[0].Required[0].Name)
	require.NotNil(t, sigs[0].Rest)
	assert.Equal(t, "extra", sigs[0].Rest.Name)
	require.Len(t, sigs[0].Flags, 2)
	assert.Equal(t, "v", sigs[0].Flags[0].Short)
	assert.True(t, sigs[0].Flags[1].TakesValue)

	assert.Equal(t, "counter reset", sigs[1].Name)
}

func TestParseSignaturesRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not an array", `{"name": "counter"}`},
		{"missing name", `[{"description": "no name here"}]`},
		{"empty name", `[{"name": ""}]`},
		{"unknown field", `[{"name": "counter", "bogus": true}]`},
		{"flag without long", `[{"name": "counter", "flags": [{"short": "v"}]}]`},
		{"short too long", `[{"name": "counter", "flags": [{"long": "verbose", "short": "vv"}]}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSignatures([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid signature document")
		})
	}
}

func TestParseSignaturesRejectsMalformedJSON(t *testing.T) {
	_, err := ParseSignatures([]byte(`[{"name": "counter"`))
	require.Error(t, err)
}
