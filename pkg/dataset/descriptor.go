// Package dataset manages the externally sourced reference datasets the
// pipeline needs on shared storage: gauge observations, the SWORD
// hydrographic database, and the reaches-of-interest subset file.
package dataset

import (
	"fmt"
	"path"
	"strings"
)

// Descriptor identifies one remote dataset and where its local copy lives.
// Descriptors are immutable configuration, defined once per job run.
type Descriptor struct {
	// Name is the logical dataset name used in logs and sentinels.
	Name string
	// Bucket is the S3 bucket holding the remote copy.
	Bucket string
	// Prefix selects the remote objects belonging to the dataset. May be
	// empty for datasets made up entirely of ExtraKeys.
	Prefix string
	// ExtraKeys are exact object keys fetched in addition to the prefix
	// listing. They are stored under Dest by base name.
	ExtraKeys []string
	// Dest is the absolute local directory the dataset is committed to.
	Dest string
	// MinObjects is the smallest object count considered a complete dataset.
	// Zero means one.
	MinObjects int
}

func (d Descriptor) minObjects() int {
	if d.MinObjects < 1 {
		return 1
	}
	return d.MinObjects
}

// relPath maps a remote key onto a path relative to Dest. Keys under Prefix
// keep their sub-path; extra keys flatten to their base name. Returns "" for
// keys that carry no local file, such as directory placeholder objects.
func (d Descriptor) relPath(key string) string {
	if strings.HasSuffix(key, "/") {
		return ""
	}
	if d.Prefix != "" && strings.HasPrefix(key, d.Prefix) {
		rel := strings.TrimPrefix(key, strings.TrimSuffix(d.Prefix, "/"))
		return strings.TrimPrefix(rel, "/")
	}
	return path.Base(key)
}

// Outcome classifies what the fetcher did for one dataset.
type Outcome string

const (
	OutcomeAlreadyPresent Outcome = "already-present"
	OutcomeFetched        Outcome = "fetched"
	OutcomeFailed         Outcome = "failed"
)

// FetchResult reports the outcome of fetching one dataset. It is consumed by
// the workflow coordinator for aggregation and logging only.
type FetchResult struct {
	Dataset string
	Outcome Outcome
	Objects int
	Bytes   int64
	Err     error
}

// FetchError indicates a dataset could not be retrieved after the bounded
// retry policy was exhausted. The job cannot proceed without its reference
// data, so this is fatal for the run.
type FetchError struct {
	Dataset string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch dataset '%s': %v", e.Dataset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
