// Package azure stores parcel datasets in Azure Blob Storage.
//
// Buckets map to containers. Put uploads with If-None-Match: * so that
// versioned saves never overwrite; Replace uploads unconditionally.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/justapithecus/parcel/parcel"
)

// API is the subset of Blob Storage operations the store uses.
//
// Implementations return parcel.ErrNotFound for missing blobs and
// parcel.ErrPathExists when an exclusive upload finds an existing blob.
// NewAPI adapts an *azblob.Client.
type API interface {
	Download(ctx context.Context, container, blob string) (io.ReadCloser, error)
	Upload(ctx context.Context, container, blob string, r io.Reader, exclusive bool) error
	Exists(ctx context.Context, container, blob string) (bool, error)
	List(ctx context.Context, container, prefix string) ([]string, error)
	Delete(ctx context.Context, container, blob string) error
}

// Store implements parcel.Store for one container.
type Store struct {
	api       API
	container string
	prefix    string
}

// New creates a store for container. A non-empty prefix is prepended to
// every blob name.
func New(api API, container, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("azure: api is required")
	}
	if container == "" {
		return nil, errors.New("azure: container is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{api: api, container: container, prefix: prefix}, nil
}

// Opener returns a parcel.Opener that maps each bucket to a container.
func Opener(api API, prefix string) parcel.Opener {
	return func(_ context.Context, bucket string) (parcel.Store, error) {
		return New(api, bucket, prefix)
	}
}

// Put uploads data to key unless a blob already exists there.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	return s.upload(ctx, key, r, true)
}

// Replace uploads data to key, overwriting any existing blob.
func (s *Store) Replace(ctx context.Context, key string, r io.Reader) error {
	return s.upload(ctx, key, r, false)
}

func (s *Store) upload(ctx context.Context, key string, r io.Reader, exclusive bool) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	if err := s.api.Upload(ctx, s.container, name, r, exclusive); err != nil {
		if errors.Is(err, parcel.ErrPathExists) {
			return err
		}
		return fmt.Errorf("azure: upload %s/%s: %w", s.container, name, err)
	}
	return nil
}

// Get downloads the blob at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	rc, err := s.api.Download(ctx, s.container, name)
	if err != nil {
		if errors.Is(err, parcel.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("azure: download %s/%s: %w", s.container, name, err)
	}
	return rc, nil
}

// Exists reports whether a blob exists at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.blobName(key)
	if err != nil {
		return false, err
	}
	ok, err := s.api.Exists(ctx, s.container, name)
	if err != nil {
		return false, fmt.Errorf("azure: properties %s/%s: %w", s.container, name, err)
	}
	return ok, nil
}

// List returns blob names under prefix, relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix == ".." || strings.HasPrefix(path.Clean(prefix), "../") {
		return nil, parcel.ErrInvalidPath
	}
	names, err := s.api.List(ctx, s.container, s.prefix+strings.TrimPrefix(prefix, "/"))
	if err != nil {
		return nil, fmt.Errorf("azure: list %s: %w", s.container, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, s.prefix))
	}
	return keys, nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	if err := s.api.Delete(ctx, s.container, name); err != nil && !errors.Is(err, parcel.ErrNotFound) {
		return fmt.Errorf("azure: delete %s/%s: %w", s.container, name, err)
	}
	return nil
}

func (s *Store) blobName(key string) (string, error) {
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
