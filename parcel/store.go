package parcel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements Store using the local filesystem.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
//
// Consistency: Immediate read-after-write on local filesystems.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

// FSOpener returns an Opener that maps each bucket to a subdirectory of
// root, creating it on first use.
func FSOpener(root string) Opener {
	return func(_ context.Context, bucket string) (Store, error) {
		if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
			return nil, fmt.Errorf("%w: bucket %q", ErrInvalidPath, bucket)
		}
		dir := filepath.Join(root, bucket)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return NewFS(dir)
	}
}

func (f *fsStore) Put(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(fullPath); err == nil {
		return ErrPathExists
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}

	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(fullPath)
		return err
	}
	return file.Close()
}

// Replace writes to a sibling temp file and renames it into place, so
// readers never observe a partial object.
func (f *fsStore) Replace(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".parcel-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fullPath)
}

func (f *fsStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	// Walk from the deepest directory the prefix names, then filter by the
	// full prefix so partial segments ("data/ve") behave like object stores.
	walkRoot := f.root
	if dir := normalized; dir != "" {
		if !strings.HasSuffix(dir, "/") {
			dir = filepath.ToSlash(filepath.Dir(dir))
		}
		if dir != "." {
			walkRoot = filepath.Join(f.root, filepath.FromSlash(dir))
		}
	}

	var paths []string
	err := filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".parcel-") {
			return nil
		}
		relPath, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if strings.HasPrefix(relPath, normalized) {
			paths = append(paths, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (f *fsStore) Delete(_ context.Context, path string) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fsStore) safePathForFile(path string) (string, error) {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.root, filepath.FromSlash(normalized)), nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory Store.
//
// Consistency: Immediate.
// Memory is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

// MemoryOpener returns an Opener backed by one in-memory Store per bucket.
// Buckets persist for the lifetime of the Opener.
func MemoryOpener() Opener {
	var mu sync.Mutex
	buckets := make(map[string]Store)
	return func(_ context.Context, bucket string) (Store, error) {
		mu.Lock()
		defer mu.Unlock()
		s, ok := buckets[bucket]
		if !ok {
			s = NewMemory()
			buckets[bucket] = s
		}
		return s, nil
	}
}

func (m *memoryStore) Put(_ context.Context, path string, r io.Reader) error {
	return m.write(path, r, false)
}

func (m *memoryStore) Replace(_ context.Context, path string, r io.Reader) error {
	return m.write(path, r, true)
}

func (m *memoryStore) write(path string, r io.Reader, overwrite bool) error {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return ErrInvalidPath
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists && !overwrite {
		return ErrPathExists
	}

	m.data[normalized] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

func (m *memoryStore) Exists(_ context.Context, path string) (bool, error) {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return false, ErrInvalidPath
	}

	m.mu.RLock()
	_, exists := m.data[normalized]
	m.mu.RUnlock()

	return exists, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for path := range m.data {
		if strings.HasPrefix(path, normalized) {
			paths = append(paths, path)
		}
	}

	return paths, nil
}

func (m *memoryStore) Delete(_ context.Context, path string) error {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, normalized)
	m.mu.Unlock()

	return nil
}

// -----------------------------------------------------------------------------
// Path normalization
// -----------------------------------------------------------------------------

func normalizePathForFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := filepath.ToSlash(filepath.Clean(path))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}

	return cleaned, true
}

// normalizePathForPrefix keeps a trailing slash, which object stores treat
// as part of the prefix.
func normalizePathForPrefix(path string) (string, bool) {
	if path == "" {
		return "", true
	}

	trailing := strings.HasSuffix(path, "/")
	cleaned := filepath.ToSlash(filepath.Clean(path))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "." || cleaned == "" {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if trailing {
		cleaned += "/"
	}

	return cleaned, true
}
