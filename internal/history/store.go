// Package history keeps a record of every build under the build directory,
// so a run can be compared with the one before it.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"paperpack/internal/archive"
)

// Store persists build records under:
//
//	<buildDir>/.paperpack/builds/<build-id>/
type Store struct {
	baseDir string
}

func NewStore(buildDir string) (*Store, error) {
	if strings.TrimSpace(buildDir) == "" {
		return nil, errors.New("build directory is required")
	}
	return &Store{baseDir: buildDir}, nil
}

func (s *Store) buildsRootDir() string {
	return filepath.Join(s.baseDir, ".paperpack", "builds")
}

func (s *Store) buildPath(id string) string {
	return filepath.Join(s.buildsRootDir(), id, "build.json")
}

func (s *Store) failurePath(id string) string {
	return filepath.Join(s.buildsRootDir(), id, "failure.json")
}

// ListBuildIDs returns every recorded build ID, sorted.
func (s *Store) ListBuildIDs() ([]string, error) {
	entries, err := os.ReadDir(s.buildsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveBuild(b Build) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid build: %w", err)
	}
	data, err := jsonMarshalStable(b)
	if err != nil {
		return fmt.Errorf("marshal build: %w", err)
	}
	if err := archive.WriteFileAtomic(s.buildPath(b.BuildID), data, 0o644); err != nil {
		return fmt.Errorf("write build: %w", err)
	}
	return nil
}

func (s *Store) LoadBuild(id string) (Build, error) {
	var b Build
	if strings.TrimSpace(id) == "" {
		return Build{}, errors.New("build id is required")
	}
	if err := readJSONStrict(s.buildPath(id), &b); err != nil {
		return Build{}, err
	}
	if err := b.Validate(); err != nil {
		return Build{}, fmt.Errorf("invalid build on disk: %w", err)
	}
	return b, nil
}

func (s *Store) SaveFailure(id string, f Failure) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("build id is required")
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	data, err := jsonMarshalStable(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	if err := archive.WriteFileAtomic(s.failurePath(id), data, 0o644); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

func (s *Store) LoadFailure(id string) (Failure, error) {
	var f Failure
	if strings.TrimSpace(id) == "" {
		return Failure{}, errors.New("build id is required")
	}
	if err := readJSONStrict(s.failurePath(id), &f); err != nil {
		return Failure{}, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return f, nil
}

// RecordFailure classifies err and stores it for build id.
func (s *Store) RecordFailure(id string, err error) error {
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return ferr
	}
	return s.SaveFailure(id, f)
}

// Latest returns the most recently started build with the given status, or
// nil when there is none. Unreadable records are skipped. Ties on start
// time go to the larger build ID.
func (s *Store) Latest(status Status) (*Build, error) {
	ids, err := s.ListBuildIDs()
	if err != nil {
		return nil, err
	}
	var latest *Build
	for _, id := range ids {
		b, err := s.LoadBuild(id)
		if err != nil || b.Status != status {
			continue
		}
		if latest == nil || !b.StartTime.Before(latest.StartTime) {
			cp := b
			latest = &cp
		}
	}
	return latest, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
