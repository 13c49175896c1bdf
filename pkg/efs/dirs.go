// Package efs resolves and prepares the shared EFS directory tree that every
// Confluence pipeline stage mounts.
package efs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// DirPerms are the permissions shared directories are created with.
const DirPerms os.FileMode = 0755

// Mount logical names. Each maps to one EFS mount point provided by the
// surrounding deployment.
const (
	MountInput       = "input"
	MountFlpe        = "flpe"
	MountMoi         = "moi"
	MountDiagnostics = "diagnostics"
	MountOffline     = "offline"
	MountValidation  = "validation"
	MountOutput      = "output"
	MountLogs        = "logs"
)

// SharedDirectory is one directory the workflow guarantees to exist before
// any downstream stage runs.
type SharedDirectory struct {
	Name string
	Path string
	Mode os.FileMode
}

// EnvironmentError indicates the mounted storage is misconfigured: a required
// path is a file, cannot be created, or is not writable. It is never retried.
type EnvironmentError struct {
	Path string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment error at '%s': %v", e.Path, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// DefaultMounts returns the standard mount-point mapping used by the
// deployed pipeline.
func DefaultMounts() map[string]string {
	mounts := make(map[string]string)
	for _, name := range []string{
		MountInput, MountFlpe, MountMoi, MountDiagnostics,
		MountOffline, MountValidation, MountOutput, MountLogs,
	} {
		mounts[name] = filepath.Join("/mnt", name)
	}
	return mounts
}

// subdirectories lists the directories each pipeline stage expects beneath
// its mount, keyed by logical mount name.
var subdirectories = map[string][]string{
	MountInput:       {"gage", "sos", "sword", "swot"},
	MountFlpe:        {"geobam", "hivdi", "metroman", "momma", "sad", "sic4dvar"},
	MountMoi:         {},
	MountDiagnostics: {"prediagnostics", "postdiagnostics/basin", "postdiagnostics/reach"},
	MountOffline:     {},
	MountValidation:  {"figs"},
	MountOutput:      {"sos"},
	MountLogs:        {"sic4dvar"},
}

// DefaultDirectories expands the mount mapping into the full list of shared
// directories, mounts first, in a stable order.
func DefaultDirectories(mounts map[string]string) []SharedDirectory {
	names := make([]string, 0, len(mounts))
	for name := range mounts {
		names = append(names, name)
	}
	sort.Strings(names)

	var dirs []SharedDirectory
	for _, name := range names {
		root := mounts[name]
		dirs = append(dirs, SharedDirectory{Name: name, Path: root, Mode: DirPerms})
		for _, sub := range subdirectories[name] {
			dirs = append(dirs, SharedDirectory{
				Name: name + "/" + sub,
				Path: filepath.Join(root, filepath.FromSlash(sub)),
				Mode: DirPerms,
			})
		}
	}
	return dirs
}

// Locator ensures the shared directory tree exists and is usable.
type Locator struct {
	logger log.FieldLogger
	dirs   []SharedDirectory
}

func NewLocator(logger log.FieldLogger, dirs []SharedDirectory) *Locator {
	return &Locator{logger: logger, dirs: dirs}
}

// Directories returns the directories the locator manages.
func (l *Locator) Directories() []SharedDirectory {
	return l.dirs
}

// Setup creates any missing shared directory and verifies each is a writable
// directory. Existing directories and their contents are left untouched, so
// Setup is safe to run on every job invocation.
func (l *Locator) Setup() error {
	for _, d := range l.dirs {
		if err := ensure(d); err != nil {
			return err
		}
		l.logger.WithField("dir", d.Path).Debug("shared directory ready")
	}
	l.logger.Infof("set up %d shared directories", len(l.dirs))
	return nil
}

func ensure(d SharedDirectory) error {
	info, err := os.Stat(d.Path)
	switch {
	case err != nil && os.IsNotExist(err):
		if err := os.MkdirAll(d.Path, d.Mode); err != nil {
			return &EnvironmentError{Path: d.Path, Err: fmt.Errorf("could not create directory: %v", err)}
		}
	case err != nil:
		return &EnvironmentError{Path: d.Path, Err: fmt.Errorf("could not access path: %v", err)}
	case !info.IsDir():
		return &EnvironmentError{Path: d.Path, Err: errors.New("path exists but is not a directory")}
	}

	// A stat-based permission check cannot account for EFS access points, so
	// probe with an actual write.
	probe, err := os.CreateTemp(d.Path, ".init-workflow-probe-*")
	if err != nil {
		return &EnvironmentError{Path: d.Path, Err: fmt.Errorf("directory is not writable: %v", err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
