package parcel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// WriteMode selects how FileSystem.Create commits an object.
type WriteMode int

const (
	// WriteExclusive fails with ErrPathExists if the object already exists.
	WriteExclusive WriteMode = iota
	// WriteOverwrite replaces any existing object.
	WriteOverwrite
)

// FileSystemOption configures a FileSystem.
type FileSystemOption func(*FileSystem)

// WithListingCacheTTL expires cached listings after d.
// Zero keeps listings until they are invalidated.
func WithListingCacheTTL(d time.Duration) FileSystemOption {
	return func(fs *FileSystem) {
		fs.cacheTTL = d
	}
}

// WithoutListingCache disables the listing cache; every Glob lists the store.
func WithoutListingCache() FileSystemOption {
	return func(fs *FileSystem) {
		fs.cacheEnabled = false
	}
}

// WithFileSystemLogger sets the logger for cache and routing events.
func WithFileSystemLogger(l logr.Logger) FileSystemOption {
	return func(fs *FileSystem) {
		fs.logger = l
	}
}

// WithFileSystemMetrics records store operations and cache activity.
func WithFileSystemMetrics(m *Metrics) FileSystemOption {
	return func(fs *FileSystem) {
		fs.metrics = m
	}
}

// FileSystem is the remote store capability a Dataset works through.
//
// Paths are bucket-qualified ("bucket/key") and may carry a protocol
// prefix. Stores are opened lazily, once per bucket. Directory listings
// used by Glob are cached until InvalidateCache drops them, mirroring the
// eventually-consistent view a remote listing gives; Exists, Open and
// Create always reach the store.
//
// FileSystem is safe for concurrent use.
type FileSystem struct {
	open         Opener
	logger       logr.Logger
	metrics      *Metrics
	cacheEnabled bool
	cacheTTL     time.Duration
	now          func() time.Time

	mu       sync.Mutex
	stores   map[string]Store
	listings map[string]listing
}

type listing struct {
	keys []string
	at   time.Time
}

// NewFileSystem creates a FileSystem that obtains bucket stores from open.
func NewFileSystem(open Opener, opts ...FileSystemOption) (*FileSystem, error) {
	if open == nil {
		return nil, errors.New("parcel: opener is required")
	}
	fs := &FileSystem{
		open:         open,
		logger:       logr.Discard(),
		cacheEnabled: true,
		now:          time.Now,
		stores:       make(map[string]Store),
		listings:     make(map[string]listing),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Exists reports whether an object exists at p.
func (fs *FileSystem) Exists(ctx context.Context, p string) (bool, error) {
	start := time.Now()
	store, key, err := fs.resolve(ctx, p)
	if err != nil {
		return false, err
	}
	ok, err := store.Exists(ctx, key)
	fs.metrics.observe("head", start, err)
	return ok, err
}

// Open returns a read stream for the object at p.
// The caller must close it. Returns ErrNotFound if p does not exist.
func (fs *FileSystem) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	store, key, err := fs.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	rc, err := store.Get(ctx, key)
	fs.metrics.observe("get", start, err)
	return rc, err
}

// Create returns a write stream for the object at p.
//
// Data is buffered and committed to the store by Close. Abort discards
// it. Exactly one of Close or Abort should be called.
func (fs *FileSystem) Create(ctx context.Context, p string, mode WriteMode) (*ObjectWriter, error) {
	store, key, err := fs.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return &ObjectWriter{
		ctx:     ctx,
		store:   store,
		key:     key,
		mode:    mode,
		metrics: fs.metrics,
	}, nil
}

// Delete removes the object at p if it exists.
func (fs *FileSystem) Delete(ctx context.Context, p string) error {
	start := time.Now()
	store, key, err := fs.resolve(ctx, p)
	if err != nil {
		return err
	}
	err = store.Delete(ctx, key)
	fs.metrics.observe("delete", start, err)
	return err
}

// List returns the bucket-qualified paths of all objects whose key starts
// with the key of prefix. Results may come from the listing cache.
func (fs *FileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, keyPrefix, err := splitBucket(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := fs.listKeys(ctx, bucket, keyPrefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = bucket + "/" + k
	}
	sort.Strings(paths)
	return paths, nil
}

// Glob returns the bucket-qualified paths matching pattern, sorted
// ascending. Wildcards follow path.Match and never cross a "/"; the
// bucket segment must be literal. A backslash escapes the next character,
// so EscapeGlob output matches the path it was built from.
func (fs *FileSystem) Glob(ctx context.Context, pattern string) ([]string, error) {
	rawBucket, keyPattern, err := splitBucket(pattern)
	if err != nil {
		return nil, err
	}
	bucket, ok := unescapeGlob(rawBucket)
	if !ok {
		return nil, fmt.Errorf("%w: wildcard in bucket %q", ErrInvalidPath, rawBucket)
	}
	if _, err := path.Match(keyPattern, ""); err != nil {
		return nil, fmt.Errorf("parcel: glob %q: %w", pattern, err)
	}

	segments := strings.Split(keyPattern, "/")
	literals := make([]string, 0, len(segments))
	for _, seg := range segments {
		lit, ok := unescapeGlob(seg)
		if !ok {
			break
		}
		literals = append(literals, lit)
	}

	if len(literals) == len(segments) {
		p := bucket + "/" + strings.Join(literals, "/")
		ok, err := fs.Exists(ctx, p)
		if err != nil || !ok {
			return nil, err
		}
		return []string{p}, nil
	}

	var listPrefix string
	if len(literals) > 0 {
		listPrefix = strings.Join(literals, "/") + "/"
	}
	keys, err := fs.listKeys(ctx, bucket, listPrefix)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, k := range keys {
		if strings.Count(k, "/") != len(segments)-1 {
			continue
		}
		if ok, _ := path.Match(keyPattern, k); ok {
			matches = append(matches, bucket+"/"+k)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// InvalidateCache drops cached listings that overlap p: those listed at an
// ancestor of p and those listed beneath it. An empty p clears the cache.
func (fs *FileSystem) InvalidateCache(p string) {
	p, _ = StripProtocol(p)
	p = strings.Trim(p, "/")

	fs.mu.Lock()
	dropped := 0
	for k := range fs.listings {
		if p == "" || strings.HasPrefix(k, p) || strings.HasPrefix(p, strings.TrimSuffix(k, "/")) {
			delete(fs.listings, k)
			dropped++
		}
	}
	fs.mu.Unlock()

	fs.metrics.invalidated()
	fs.logger.V(1).Info("invalidated listing cache", "path", p, "dropped", dropped)
}

// listKeys lists bucket keys under prefix, consulting the cache first.
func (fs *FileSystem) listKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	cacheKey := bucket + "/" + prefix
	if fs.cacheEnabled {
		fs.mu.Lock()
		l, ok := fs.listings[cacheKey]
		if ok && fs.cacheTTL > 0 && fs.now().Sub(l.at) > fs.cacheTTL {
			delete(fs.listings, cacheKey)
			ok = false
		}
		fs.mu.Unlock()
		fs.metrics.listing(ok)
		if ok {
			fs.logger.V(1).Info("listing cache hit", "prefix", cacheKey)
			return l.keys, nil
		}
	}

	store, err := fs.store(ctx, bucket)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	keys, err := store.List(ctx, prefix)
	fs.metrics.observe("list", start, err)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	if fs.cacheEnabled {
		fs.mu.Lock()
		fs.listings[cacheKey] = listing{keys: keys, at: fs.now()}
		fs.mu.Unlock()
	}
	return keys, nil
}

// resolve returns the store and key for a bucket-qualified path.
func (fs *FileSystem) resolve(ctx context.Context, p string) (Store, string, error) {
	bucket, key, err := splitBucket(p)
	if err != nil {
		return nil, "", err
	}
	if key == "" {
		return nil, "", fmt.Errorf("%w: %q has no key", ErrInvalidPath, p)
	}
	store, err := fs.store(ctx, bucket)
	if err != nil {
		return nil, "", err
	}
	return store, key, nil
}

func (fs *FileSystem) store(ctx context.Context, bucket string) (Store, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if s, ok := fs.stores[bucket]; ok {
		return s, nil
	}
	s, err := fs.open(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("parcel: open bucket %q: %w", bucket, err)
	}
	if s == nil {
		return nil, fmt.Errorf("parcel: opener returned nil store for bucket %q", bucket)
	}
	fs.stores[bucket] = s
	fs.logger.V(1).Info("opened bucket", "bucket", bucket)
	return s, nil
}

const globMeta = `*?[\`

func hasMeta(s string) bool {
	return strings.ContainsAny(s, globMeta)
}

// unescapeGlob strips escapes from a pattern segment. It reports false
// when the segment holds an unescaped wildcard.
func unescapeGlob(s string) (string, bool) {
	if !hasMeta(s) {
		return s, true
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			i++
			if i == len(s) {
				return "", false
			}
			b.WriteByte(s[i])
		case '*', '?', '[':
			return "", false
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// -----------------------------------------------------------------------------
// ObjectWriter
// -----------------------------------------------------------------------------

// errWriterClosed is returned by writes after Close or Abort.
var errWriterClosed = errors.New("parcel: writer is closed")

// ObjectWriter buffers an object and commits it to its store on Close.
type ObjectWriter struct {
	ctx     context.Context
	store   Store
	key     string
	mode    WriteMode
	metrics *Metrics
	buf     bytes.Buffer
	done    bool
}

// Write implements io.Writer.
func (w *ObjectWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

// Close commits the buffered data. Subsequent calls return errWriterClosed.
func (w *ObjectWriter) Close() error {
	if w.done {
		return errWriterClosed
	}
	w.done = true

	start := time.Now()
	var err error
	switch w.mode {
	case WriteOverwrite:
		err = w.store.Replace(w.ctx, w.key, &w.buf)
	default:
		err = w.store.Put(w.ctx, w.key, &w.buf)
	}
	w.metrics.observe("put", start, err)
	w.buf.Reset()
	return err
}

// Abort discards buffered data without committing it.
// It is safe to call after Close.
func (w *ObjectWriter) Abort() {
	w.done = true
	w.buf.Reset()
}
