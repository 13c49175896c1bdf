// Package reachset builds the continent-setfinder artifact that tells
// downstream pipeline stages which river reaches to process.
package reachset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Group is one entry of the reaches-of-interest input file: the reach IDs
// selected for a single continent.
type Group struct {
	Continent string  `json:"continent"`
	ReachIDs  []int64 `json:"reach_ids"`
}

// Artifact is the continent-setfinder document published for downstream
// stages. Continents are sorted lexically and reach IDs ascending, so two
// builds from the same input differ only in GeneratedAt.
type Artifact struct {
	Continents  []string           `json:"continents"`
	Reaches     map[string][]int64 `json:"reaches"`
	ReachCount  int                `json:"reach_count"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// MalformedInputError indicates the reaches-of-interest file does not match
// the expected schema. Downstream stages cannot select work without a valid
// reach set, so this is fatal.
type MalformedInputError struct {
	Path string
	Err  error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed reaches-of-interest file '%s': %v", e.Path, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Build reads the reaches-of-interest file at path and constructs the
// artifact. The generation timestamp is taken from now so callers control
// determinism.
func Build(path string, now time.Time) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read reaches-of-interest file: %w", err)
	}

	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, &MalformedInputError{Path: path, Err: err}
	}
	if len(groups) == 0 {
		return nil, &MalformedInputError{Path: path, Err: fmt.Errorf("no continent groups listed")}
	}

	reaches := make(map[string][]int64, len(groups))
	for i, group := range groups {
		if group.Continent == "" {
			return nil, &MalformedInputError{Path: path, Err: fmt.Errorf("group %d is missing a continent", i)}
		}
		if len(group.ReachIDs) == 0 {
			return nil, &MalformedInputError{Path: path, Err: fmt.Errorf("continent '%s' lists no reach IDs", group.Continent)}
		}
		for _, id := range group.ReachIDs {
			if id <= 0 {
				return nil, &MalformedInputError{Path: path, Err: fmt.Errorf("continent '%s' lists invalid reach ID %d", group.Continent, id)}
			}
		}
		reaches[group.Continent] = append(reaches[group.Continent], group.ReachIDs...)
	}

	artifact := &Artifact{
		Reaches:     make(map[string][]int64, len(reaches)),
		GeneratedAt: now.UTC(),
	}
	for continent, ids := range reaches {
		artifact.Continents = append(artifact.Continents, continent)
		artifact.Reaches[continent] = sortedUnique(ids)
		artifact.ReachCount += len(artifact.Reaches[continent])
	}
	sort.Strings(artifact.Continents)

	return artifact, nil
}

// Encode serializes the artifact as canonical JSON. Map keys are emitted in
// sorted order, so output is byte-identical for identical input apart from
// the timestamp.
func (a *Artifact) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("could not encode continent-setfinder artifact: %v", err)
	}
	return append(data, '\n'), nil
}

func sortedUnique(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var prev int64
	for i, id := range ids {
		if i == 0 || id != prev {
			out = append(out, id)
		}
		prev = id
	}
	return out
}
