package parcel

import (
	"fmt"
	"path"
	"strings"
)

// protocols recognized by StripProtocol, longest first where prefixes overlap.
var protocols = []string{
	"gcs://", "gs://",
	"s3a://", "s3n://", "s3://",
	"abfss://", "abfs://", "az://",
	"memory://", "file://",
}

// Location identifies where a dataset lives: a bucket and a key within it.
type Location struct {
	// Bucket is the bucket (S3, GCS) or container (Azure) name.
	Bucket string

	// Key is the object key relative to the bucket root.
	Key string

	// Protocol is the scheme the location was given with ("gs", "s3"),
	// empty when none. It is informational only.
	Protocol string
}

// NewLocation builds a Location from a file path and an optional bucket.
//
// The file path may carry a protocol prefix such as "gs://" or "s3://",
// which is stripped. When bucket is empty, the first path segment names
// the bucket.
func NewLocation(filepath, bucket string) (Location, error) {
	p, proto := StripProtocol(filepath)
	p = strings.TrimPrefix(p, "/")
	if bucket == "" {
		var ok bool
		bucket, p, ok = strings.Cut(p, "/")
		if !ok {
			return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidPath, filepath)
		}
	}
	bucket = strings.Trim(bucket, "/")
	if bucket == "" || strings.Contains(bucket, "/") {
		return Location{}, fmt.Errorf("%w: invalid bucket %q", ErrInvalidPath, bucket)
	}

	key, ok := normalizePathForFile(p)
	if !ok {
		return Location{}, fmt.Errorf("%w: invalid key %q", ErrInvalidPath, p)
	}
	return Location{Bucket: bucket, Key: key, Protocol: proto}, nil
}

// Path returns the bucket-qualified path ("bucket/key").
func (l Location) Path() string {
	return l.Bucket + "/" + l.Key
}

// Base returns the last element of the key.
func (l Location) Base() string {
	return path.Base(l.Key)
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return l.Path()
}

// VersionedPath returns the bucket-qualified path of the given version:
// "bucket/key/<version>/<base>".
func (l Location) VersionedPath(version string) string {
	return l.Path() + "/" + version + "/" + l.Base()
}

// VersionGlob returns a Glob pattern matching every version of the
// location. Metacharacters in the bucket and key are escaped.
func (l Location) VersionGlob() string {
	return EscapeGlob(l.Path()) + "/*/" + EscapeGlob(l.Base())
}

// EscapeGlob quotes the metacharacters of s so that, as a Glob pattern,
// it matches only itself.
func EscapeGlob(s string) string {
	if !hasMeta(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(globMeta, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// StripProtocol removes a recognized protocol prefix from p and returns
// the remainder together with the protocol name ("" when none).
func StripProtocol(p string) (string, string) {
	for _, proto := range protocols {
		if strings.HasPrefix(p, proto) {
			return strings.TrimPrefix(p, proto), strings.TrimSuffix(proto, "://")
		}
	}
	return p, ""
}

// splitBucket splits a bucket-qualified path into bucket and key.
func splitBucket(p string) (bucket, key string, err error) {
	p, _ = StripProtocol(p)
	p = strings.TrimPrefix(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket", ErrInvalidPath, p)
	}
	return bucket, key, nil
}
