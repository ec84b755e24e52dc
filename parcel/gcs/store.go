// Package gcs stores parcel datasets in Google Cloud Storage.
//
// Put creates objects with a DoesNotExist precondition, so versioned
// saves never overwrite; Replace writes unconditionally.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/justapithecus/parcel/parcel"
)

// API is the subset of Cloud Storage operations the store uses.
//
// Implementations return parcel.ErrNotFound for missing objects and
// parcel.ErrPathExists when an exclusive write finds an existing object.
// NewAPI adapts a *storage.Client.
type API interface {
	Read(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Write(ctx context.Context, bucket, key string, r io.Reader, exclusive bool) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Store implements parcel.Store for one GCS bucket.
type Store struct {
	api    API
	bucket string
	prefix string
}

// New creates a store for bucket. A non-empty prefix is prepended to
// every key.
func New(api API, bucket, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("gcs: api is required")
	}
	if bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{api: api, bucket: bucket, prefix: prefix}, nil
}

// Opener returns a parcel.Opener serving every bucket through api.
func Opener(api API, prefix string) parcel.Opener {
	return func(_ context.Context, bucket string) (parcel.Store, error) {
		return New(api, bucket, prefix)
	}
}

// Put writes data to key unless an object already exists there.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	return s.write(ctx, key, r, true)
}

// Replace writes data to key, overwriting any existing object.
func (s *Store) Replace(ctx context.Context, key string, r io.Reader) error {
	return s.write(ctx, key, r, false)
}

func (s *Store) write(ctx context.Context, key string, r io.Reader, exclusive bool) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.api.Write(ctx, s.bucket, name, r, exclusive); err != nil {
		if errors.Is(err, parcel.ErrPathExists) {
			return err
		}
		return fmt.Errorf("gcs: write %s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Get returns a reader for the object at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	rc, err := s.api.Read(ctx, s.bucket, name)
	if err != nil {
		if errors.Is(err, parcel.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("gcs: read %s/%s: %w", s.bucket, name, err)
	}
	return rc, nil
}

// Exists reports whether an object exists at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.objectName(key)
	if err != nil {
		return false, err
	}
	ok, err := s.api.Exists(ctx, s.bucket, name)
	if err != nil {
		return false, fmt.Errorf("gcs: stat %s/%s: %w", s.bucket, name, err)
	}
	return ok, nil
}

// List returns keys under prefix, relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix == ".." || strings.HasPrefix(path.Clean(prefix), "../") {
		return nil, parcel.ErrInvalidPath
	}
	names, err := s.api.List(ctx, s.bucket, s.prefix+strings.TrimPrefix(prefix, "/"))
	if err != nil {
		return nil, fmt.Errorf("gcs: list %s: %w", s.bucket, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, s.prefix))
	}
	return keys, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.api.Delete(ctx, s.bucket, name); err != nil && !errors.Is(err, parcel.ErrNotFound) {
		return fmt.Errorf("gcs: delete %s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *Store) objectName(key string) (string, error) {
	if key == "" {
		return "", parcel.ErrInvalidPath
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", parcel.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", parcel.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}
