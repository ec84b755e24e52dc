// Package parcel loads and saves tabular data as Parquet files on object
// stores, with optional dataset versioning.
//
// A Dataset is a thin adapter: it resolves a Location and an optional
// Version to a concrete object path, then delegates storage to a
// FileSystem and encoding to a Codec. Versioned datasets never overwrite
// an existing version; every save produces a new immutable object.
package parcel

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts a single bucket (or container) of an object storage system.
//
// Implementations may target memory, local filesystems, S3, GCS, or Azure
// Blob Storage. Paths are relative to the bucket root.
type Store interface {
	// Put writes data to the given path.
	// Returns ErrPathExists if the path already exists.
	Put(ctx context.Context, path string, r io.Reader) error

	// Replace writes data to the given path, overwriting any existing object.
	Replace(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	// Returns ErrNotFound if the path does not exist.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// Opener returns the Store backing the named bucket.
//
// A FileSystem calls its Opener at most once per bucket.
type Opener func(ctx context.Context, bucket string) (Store, error)

// -----------------------------------------------------------------------------
// Codec interface
// -----------------------------------------------------------------------------

// Codec serializes tables to and from a byte stream.
type Codec interface {
	// Name returns the codec identifier (for example, "parquet" or "jsonl").
	Name() string

	// Encode writes the table to w.
	Encode(w io.Writer, t *Table, opts SaveOptions) error

	// Decode reads a table from r.
	Decode(r io.Reader, opts LoadOptions) (*Table, error)
}

// LoadOptions configures decoding on Load.
type LoadOptions struct {
	// Columns restricts the loaded table to the named columns, in order.
	// Empty loads every column.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// SaveOptions configures encoding on Save.
type SaveOptions struct {
	// Compression names the internal Parquet compression codec
	// ("snappy", "gzip", "zstd", "lz4", "brotli", "none").
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`

	// RowGroupSize caps the number of rows per row group. Zero writes a
	// single row group.
	RowGroupSize int `json:"row_group_size,omitempty" yaml:"row_group_size,omitempty"`

	// Metadata is stored as file-level key/value metadata.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrVersionNotFound indicates no version of a dataset could be resolved.
	// It matches ErrNotFound under errors.Is.
	ErrVersionNotFound = errVersionNotFound{}

	// ErrVersionExists indicates a save targeted a version that already exists.
	ErrVersionExists = errVersionExists{}

	// ErrPathExists indicates an attempt to create an existing path.
	ErrPathExists = errPathExists{}

	// ErrInvalidPath indicates an empty path or one that escapes its root.
	ErrInvalidPath = errInvalidPath{}

	// ErrSchemaViolation indicates table data that does not match its schema.
	ErrSchemaViolation = errSchemaViolation{}

	// ErrInvalidFormat indicates a stream that cannot be decoded.
	ErrInvalidFormat = errInvalidFormat{}

	// ErrUnknownCompression indicates an unsupported compression name.
	ErrUnknownCompression = errUnknownCompression{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errVersionNotFound struct{}

func (errVersionNotFound) Error() string { return "no version found" }

func (errVersionNotFound) Is(target error) bool { return target == ErrNotFound }

type errVersionExists struct{}

func (errVersionExists) Error() string { return "version already exists" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

type errInvalidPath struct{}

func (errInvalidPath) Error() string { return "invalid path" }

type errSchemaViolation struct{}

func (errSchemaViolation) Error() string { return "schema violation" }

type errInvalidFormat struct{}

func (errInvalidFormat) Error() string { return "invalid format" }

type errUnknownCompression struct{}

func (errUnknownCompression) Error() string { return "unknown compression" }
