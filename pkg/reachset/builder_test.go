package reachset

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reaches_of_interest.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildRoundTrip(t *testing.T) {
	path := writeInput(t, `[{"continent": "NA", "reach_ids": [10, 20, 30]}]`)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	artifact, err := Build(path, now)
	require.NoError(t, err)

	assert.Equal(t, []string{"NA"}, artifact.Continents)
	assert.Equal(t, []int64{10, 20, 30}, artifact.Reaches["NA"])
	assert.Equal(t, 3, artifact.ReachCount)
	assert.Equal(t, now, artifact.GeneratedAt)

	// Round-trip law: the encoded artifact parses back into the same set.
	data, err := artifact.Encode()
	require.NoError(t, err)

	var decoded Artifact
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, artifact.Continents, decoded.Continents)
	assert.Equal(t, artifact.Reaches, decoded.Reaches)
}

func TestBuildIsDeterministic(t *testing.T) {
	content := `[
		{"continent": "NA", "reach_ids": [71224100223, 71224100233]},
		{"continent": "EU", "reach_ids": [21602300013]}
	]`
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	first, err := Build(writeInput(t, content), now)
	require.NoError(t, err)
	second, err := Build(writeInput(t, content), now)
	require.NoError(t, err)

	firstData, err := first.Encode()
	require.NoError(t, err)
	secondData, err := second.Encode()
	require.NoError(t, err)
	assert.Equal(t, firstData, secondData)
}

func TestBuildSortsAndDeduplicates(t *testing.T) {
	path := writeInput(t, `[
		{"continent": "NA", "reach_ids": [30, 10]},
		{"continent": "NA", "reach_ids": [20, 10]},
		{"continent": "EU", "reach_ids": [5]}
	]`)

	artifact, err := Build(path, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"EU", "NA"}, artifact.Continents)
	assert.Equal(t, []int64{10, 20, 30}, artifact.Reaches["NA"])
	assert.Equal(t, []int64{5}, artifact.Reaches["EU"])
	assert.Equal(t, 4, artifact.ReachCount)
}

func TestBuildRejectsMalformedInput(t *testing.T) {
	tests := map[string]string{
		"not JSON":           `reach ids go here`,
		"wrong type":         `{"continent": "NA"}`,
		"empty list":         `[]`,
		"missing continent":  `[{"reach_ids": [10]}]`,
		"missing reach IDs":  `[{"continent": "NA"}]`,
		"non-numeric reach":  `[{"continent": "NA", "reach_ids": ["abc"]}]`,
		"non-positive reach": `[{"continent": "NA", "reach_ids": [0]}]`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(writeInput(t, content), time.Now())
			require.Error(t, err)

			var malformed *MalformedInputError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestBuildMissingFile(t *testing.T) {
	_, err := Build(filepath.Join(t.TempDir(), "missing.json"), time.Now())
	require.Error(t, err)

	// A missing file is a fetch/environment problem, not a schema one.
	var malformed *MalformedInputError
	assert.False(t, errors.As(err, &malformed))
}
