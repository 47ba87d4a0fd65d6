package model

import (
	"encoding/json"

	"github.com/pingcap/errors"
)

// ClassloadingSnapshot describes the libraries and classpaths a task
// needs to load the job's user code. It is immutable: accessors
// return copies.
type ClassloadingSnapshot struct {
	requiredJarKeys    []string
	requiredClasspaths []string
}

// NewClassloadingSnapshot creates a snapshot. The slices are copied.
func NewClassloadingSnapshot(jarKeys []string, classpaths []string) *ClassloadingSnapshot {
	return &ClassloadingSnapshot{
		requiredJarKeys:    copyStrings(jarKeys),
		requiredClasspaths: copyStrings(classpaths),
	}
}

// RequiredJarKeys returns the keys of the library blobs.
func (s *ClassloadingSnapshot) RequiredJarKeys() []string {
	return copyStrings(s.requiredJarKeys)
}

// RequiredClasspaths returns the additional classpath entries.
func (s *ClassloadingSnapshot) RequiredClasspaths() []string {
	return copyStrings(s.requiredClasspaths)
}

type classloadingSnapshotJSON struct {
	RequiredJarKeys    []string `json:"required-jar-keys"`
	RequiredClasspaths []string `json:"required-classpaths"`
}

// MarshalJSON implements json.Marshaler.
func (s *ClassloadingSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(classloadingSnapshotJSON{
		RequiredJarKeys:    s.requiredJarKeys,
		RequiredClasspaths: s.requiredClasspaths,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ClassloadingSnapshot) UnmarshalJSON(data []byte) error {
	var v classloadingSnapshotJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Trace(err)
	}
	s.requiredJarKeys = v.RequiredJarKeys
	s.requiredClasspaths = v.RequiredClasspaths
	return nil
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
