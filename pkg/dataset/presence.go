package dataset

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SentinelName is the completion marker the fetcher writes into a dataset
// directory after a successful fetch. Its presence is what distinguishes a
// committed dataset from the debris of an interrupted prior attempt.
const SentinelName = ".complete.json"

// Sentinel records what a successful fetch committed.
type Sentinel struct {
	Dataset   string    `json:"dataset"`
	Objects   int       `json:"objects"`
	Bytes     int64     `json:"bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Present reports whether the dataset's final directory already holds a
// complete copy: the sentinel exists, parses, and the file count in the
// directory matches what the sentinel recorded. It never mutates state.
func Present(desc Descriptor) bool {
	data, err := os.ReadFile(filepath.Join(desc.Dest, SentinelName))
	if err != nil {
		return false
	}

	var sentinel Sentinel
	if err := json.Unmarshal(data, &sentinel); err != nil {
		return false
	}
	if sentinel.Objects < desc.minObjects() {
		return false
	}

	count, err := countFiles(desc.Dest)
	if err != nil {
		return false
	}
	return count == sentinel.Objects
}

// countFiles counts regular files beneath dir, excluding the sentinel.
func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() != SentinelName {
			count++
		}
		return nil
	})
	return count, err
}
