package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDataset lays down a dataset directory with the given files and a
// matching sentinel, as a successful fetch would have left it.
func writeDataset(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	var total int64
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, data, 0644))
		total += int64(len(data))
	}

	sentinel := Sentinel{
		Dataset:   filepath.Base(dir),
		Objects:   len(files),
		Bytes:     total,
		FetchedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&sentinel)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelName), data, 0644))
}

func TestPresent(t *testing.T) {
	tests := map[string]struct {
		setup    func(t *testing.T, dir string)
		min      int
		expected bool
	}{
		"missing directory": {
			setup:    func(t *testing.T, dir string) {},
			expected: false,
		},
		"directory without sentinel": {
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(dir, 0755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.nc"), []byte("x"), 0644))
			},
			expected: false,
		},
		"complete dataset": {
			setup: func(t *testing.T, dir string) {
				writeDataset(t, dir, map[string][]byte{
					"a.nc":     []byte("aaa"),
					"sub/b.nc": []byte("bbb"),
				})
			},
			expected: true,
		},
		"sentinel count does not match files": {
			setup: func(t *testing.T, dir string) {
				writeDataset(t, dir, map[string][]byte{
					"a.nc": []byte("aaa"),
					"b.nc": []byte("bbb"),
				})
				require.NoError(t, os.Remove(filepath.Join(dir, "b.nc")))
			},
			expected: false,
		},
		"corrupt sentinel": {
			setup: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(dir, 0755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelName), []byte("{"), 0644))
			},
			expected: false,
		},
		"fewer objects than required": {
			setup: func(t *testing.T, dir string) {
				writeDataset(t, dir, map[string][]byte{"a.nc": []byte("aaa")})
			},
			min:      2,
			expected: false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "dataset")
			tt.setup(t, dir)

			desc := Descriptor{Name: "dataset", Dest: dir, MinObjects: tt.min}
			assert.Equal(t, tt.expected, Present(desc))
		})
	}
}

func TestPresentNeverMutates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gauge")
	writeDataset(t, dir, map[string][]byte{"a.nc": []byte("aaa")})

	before, err := os.ReadFile(filepath.Join(dir, SentinelName))
	require.NoError(t, err)

	require.True(t, Present(Descriptor{Name: "gauge", Dest: dir}))

	after, err := os.ReadFile(filepath.Join(dir, SentinelName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
