// Package storage resolves input and output locations and implements the
// overwrite protocol for each storage backend.
package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Location is a local directory or an object-store prefix.
type Location struct {
	// Bucket is set for object-store locations only.
	Bucket string
	// Path is the absolute local path, or the key prefix without a leading slash.
	Path string
}

// Parse resolves a raw location. "s3://" and "s3a://" URLs become
// object-store locations; anything else is treated as a local path.
func Parse(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	for _, scheme := range []string{"s3://", "s3a://", "s3n://"} {
		if rest, ok := strings.CutPrefix(raw, scheme); ok {
			bucket, key, _ := strings.Cut(rest, "/")
			if bucket == "" {
				return Location{}, fmt.Errorf("location %q has no bucket", raw)
			}
			return Location{Bucket: bucket, Path: strings.Trim(key, "/")}, nil
		}
	}

	if strings.Contains(raw, "://") {
		return Location{}, fmt.Errorf("unsupported location scheme in %q", raw)
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return Location{}, fmt.Errorf("failed to resolve %q: %w", raw, err)
	}
	return Location{Path: abs}, nil
}

// IsRemote reports whether the location is in an object store.
func (l Location) IsRemote() bool {
	return l.Bucket != ""
}

// Join appends path elements to the location.
func (l Location) Join(elem ...string) Location {
	if l.IsRemote() {
		parts := append([]string{l.Path}, elem...)
		return Location{Bucket: l.Bucket, Path: strings.TrimPrefix(path.Join(parts...), "/")}
	}
	return Location{Path: filepath.Join(append([]string{l.Path}, elem...)...)}
}

// Prefix returns the object key prefix for listing, with a trailing slash.
func (l Location) Prefix() string {
	if l.Path == "" {
		return ""
	}
	return strings.TrimSuffix(l.Path, "/") + "/"
}

// String renders the location in the form the engine reads and writes.
func (l Location) String() string {
	if l.IsRemote() {
		if l.Path == "" {
			return "s3://" + l.Bucket
		}
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return l.Path
}
