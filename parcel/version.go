package parcel

import (
	"fmt"
	"time"
)

// versionLayout formats version ids as UTC timestamps with millisecond
// precision. Lexical order of ids equals their temporal order.
const versionLayout = "2006-01-02T15.04.05.000Z"

// Version selects which snapshot of a dataset to load and which to save.
//
// An empty Load resolves to the latest existing version. An empty Save
// generates a fresh version id at save time. A nil *Version disables
// versioning entirely.
type Version struct {
	Load string `json:"load,omitempty" yaml:"load,omitempty"`
	Save string `json:"save,omitempty" yaml:"save,omitempty"`
}

// String implements fmt.Stringer.
func (v *Version) String() string {
	if v == nil {
		return "unversioned"
	}
	load, save := v.Load, v.Save
	if load == "" {
		load = "latest"
	}
	if save == "" {
		save = "generated"
	}
	return fmt.Sprintf("load=%s save=%s", load, save)
}

// FormatVersion returns the version id for the given instant.
func FormatVersion(t time.Time) string {
	return t.UTC().Format(versionLayout)
}

// ParseVersionTime parses a version id produced by FormatVersion.
func ParseVersionTime(id string) (time.Time, error) {
	t, err := time.Parse(versionLayout, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parcel: parse version %q: %w", id, err)
	}
	return t, nil
}

// validVersionID reports whether id is usable as a single path segment.
func validVersionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch r {
		case '/', '\\', '*', '?', '[':
			return false
		}
	}
	return true
}
