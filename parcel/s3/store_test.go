package s3

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/justapithecus/parcel/parcel"
)

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, "test"); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(NewMockClient(), ""); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNew_PrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"", ""},
		{"foo", "foo/"},
		{"foo/", "foo/"},
		{"/foo/bar/", "foo/bar/"},
	}

	for _, tt := range tests {
		store, err := New(NewMockClient(), "test", WithPrefix(tt.prefix))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if store.prefix != tt.expected {
			t.Errorf("prefix %q: expected %q, got %q", tt.prefix, tt.expected, store.prefix)
		}
	}
}

func TestNew_MultipartThresholdClamped(t *testing.T) {
	store, _ := New(NewMockClient(), "test", WithMultipartThreshold(1))
	if store.multipartThreshold != minPartSize {
		t.Errorf("expected threshold %d, got %d", minPartSize, store.multipartThreshold)
	}
	store, _ = New(NewMockClient(), "test", WithMultipartThreshold(maxObjectSize))
	if store.multipartThreshold != maxSinglePutSize {
		t.Errorf("expected threshold %d, got %d", maxSinglePutSize, store.multipartThreshold)
	}
}

// -----------------------------------------------------------------------------
// Put / Replace
// -----------------------------------------------------------------------------

func TestStore_Put_Success(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test")

	if err := store.Put(ctx, "a/file.txt", bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, ok := mock.Object("test", "a/file.txt")
	if !ok || string(data) != "hello" {
		t.Errorf("stored %q (ok=%v), want %q", data, ok, "hello")
	}
}

func TestStore_Put_ErrPathExists(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")

	if err := store.Put(ctx, "file.txt", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := store.Put(ctx, "file.txt", bytes.NewReader([]byte("second")))
	if !errors.Is(err, parcel.ErrPathExists) {
		t.Errorf("expected ErrPathExists, got %v", err)
	}
}

func TestStore_Replace_Overwrites(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test")

	_ = store.Put(ctx, "file.txt", bytes.NewReader([]byte("first")))
	if err := store.Replace(ctx, "file.txt", bytes.NewBufferString("second")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	data, _ := mock.Object("test", "file.txt")
	if string(data) != "second" {
		t.Errorf("expected %q, got %q", "second", data)
	}
}

func TestStore_Put_ErrInvalidPath(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")

	for _, key := range []string{"", ".", "..", "../escape.txt", "/"} {
		err := store.Put(ctx, key, bytes.NewReader([]byte("x")))
		if !errors.Is(err, parcel.ErrInvalidPath) {
			t.Errorf("key %q: expected ErrInvalidPath, got %v", key, err)
		}
	}
}

func TestStore_Put_AppliesPrefix(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test", WithPrefix("datasets"))

	_ = store.Put(ctx, "x.parquet", bytes.NewReader([]byte("x")))
	if _, ok := mock.Object("test", "datasets/x.parquet"); !ok {
		t.Error("expected object under store prefix")
	}
}

// -----------------------------------------------------------------------------
// Multipart
// -----------------------------------------------------------------------------

func TestStore_Put_Multipart_ContentIntegrity(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test", WithMultipartThreshold(minPartSize))

	data := make([]byte, 2*minPartSize+1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := store.Put(ctx, "big.bin", bytes.NewReader(data)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if mock.CreateMultipartUploadCalls != 1 {
		t.Errorf("expected 1 CreateMultipartUpload call, got %d", mock.CreateMultipartUploadCalls)
	}
	if mock.PutObjectCalls != 0 {
		t.Errorf("expected 0 PutObject calls, got %d", mock.PutObjectCalls)
	}
	stored, _ := mock.Object("test", "big.bin")
	if !bytes.Equal(stored, data) {
		t.Error("stored data does not match original")
	}
}

func TestStore_Put_Multipart_PreExisting_ReturnsErrPathExists(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test", WithMultipartThreshold(minPartSize))

	_ = store.Put(ctx, "big.bin", bytes.NewReader([]byte("small")))

	err := store.Put(ctx, "big.bin", bytes.NewReader(make([]byte, minPartSize+1)))
	if !errors.Is(err, parcel.ErrPathExists) {
		t.Fatalf("expected ErrPathExists, got %v", err)
	}
	if mock.CreateMultipartUploadCalls != 0 {
		t.Errorf("expected preflight to skip the upload, got %d creates", mock.CreateMultipartUploadCalls)
	}
}

func TestStore_Replace_Multipart_Overwrites(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	store, _ := New(mock, "test", WithMultipartThreshold(minPartSize))

	_ = store.Put(ctx, "big.bin", bytes.NewReader([]byte("small")))
	data := bytes.Repeat([]byte{7}, minPartSize+1)
	if err := store.Replace(ctx, "big.bin", bytes.NewReader(data)); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	stored, _ := mock.Object("test", "big.bin")
	if !bytes.Equal(stored, data) {
		t.Error("multipart replace did not overwrite")
	}
}

func TestStore_Put_Multipart_FailureTriggersAbort(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	mock.UploadPartFailOnCall = 2
	store, _ := New(mock, "test", WithMultipartThreshold(minPartSize))

	err := store.Put(ctx, "will-fail.bin", bytes.NewReader(make([]byte, 2*minPartSize+1)))
	if err == nil {
		t.Fatal("expected Put to fail")
	}
	if mock.AbortMultipartUploadCalls != 1 {
		t.Errorf("expected 1 AbortMultipartUpload call, got %d", mock.AbortMultipartUploadCalls)
	}
	if len(mock.uploads) != 0 {
		t.Errorf("expected no in-progress uploads, got %d", len(mock.uploads))
	}
	if _, ok := mock.Object("test", "will-fail.bin"); ok {
		t.Error("object should not exist after failed upload")
	}
}

// -----------------------------------------------------------------------------
// Spooling
// -----------------------------------------------------------------------------

type tempFileTracker struct {
	dir     string
	mu      sync.Mutex
	created []string
}

func (tr *tempFileTracker) createTemp() (*os.File, error) {
	f, err := os.CreateTemp(tr.dir, "parcel-s3-*")
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	tr.created = append(tr.created, f.Name())
	tr.mu.Unlock()
	return f, nil
}

func (tr *tempFileTracker) assertAllCleaned(t *testing.T) {
	t.Helper()
	for _, p := range tr.created {
		if _, err := os.Stat(p); err == nil {
			t.Errorf("temp file leak: %s still exists", filepath.Base(p))
		}
	}
}

func TestStore_Put_UnsizedReader_SpoolsAndCleansUp(t *testing.T) {
	ctx := t.Context()
	tracker := &tempFileTracker{dir: t.TempDir()}
	mock := NewMockClient()
	store, _ := New(mock, "test")
	store.createTemp = tracker.createTemp

	if err := store.Put(ctx, "a.txt", io.NopCloser(strings.NewReader("first"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_ = store.Put(ctx, "a.txt", io.NopCloser(strings.NewReader("second")))

	if len(tracker.created) != 2 {
		t.Errorf("expected 2 temp files, got %d", len(tracker.created))
	}
	tracker.assertAllCleaned(t)

	data, _ := mock.Object("test", "a.txt")
	if string(data) != "first" {
		t.Errorf("expected %q, got %q", "first", data)
	}
}

func TestStore_Put_Buffer_SkipsSpool(t *testing.T) {
	ctx := t.Context()
	tracker := &tempFileTracker{dir: t.TempDir()}
	store, _ := New(NewMockClient(), "test")
	store.createTemp = tracker.createTemp

	if err := store.Put(ctx, "a.txt", bytes.NewBufferString("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(tracker.created) != 0 {
		t.Errorf("expected no temp files for in-memory buffers, got %d", len(tracker.created))
	}
}

// -----------------------------------------------------------------------------
// Get / Exists / Delete
// -----------------------------------------------------------------------------

func TestStore_Get(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")
	_ = store.Put(ctx, "file.txt", bytes.NewReader([]byte("content")))

	rc, err := store.Get(ctx, "file.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = rc.Close() }()

	data, _ := io.ReadAll(rc)
	if string(data) != "content" {
		t.Errorf("expected %q, got %q", "content", data)
	}
}

func TestStore_Get_ErrNotFound(t *testing.T) {
	store, _ := New(NewMockClient(), "test")
	_, err := store.Get(t.Context(), "missing.txt")
	if !errors.Is(err, parcel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Exists(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")
	_ = store.Put(ctx, "file.txt", bytes.NewReader([]byte("x")))

	ok, err := store.Exists(ctx, "file.txt")
	if err != nil || !ok {
		t.Errorf("Exists(file.txt) = %v, %v; want true", ok, err)
	}
	ok, err = store.Exists(ctx, "missing.txt")
	if err != nil || ok {
		t.Errorf("Exists(missing.txt) = %v, %v; want false", ok, err)
	}
}

func TestStore_Delete_Idempotent(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")
	_ = store.Put(ctx, "file.txt", bytes.NewReader([]byte("x")))

	if err := store.Delete(ctx, "file.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "file.txt"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if ok, _ := store.Exists(ctx, "file.txt"); ok {
		t.Error("file should not exist after Delete")
	}
}

// -----------------------------------------------------------------------------
// List
// -----------------------------------------------------------------------------

func TestStore_List_Paginates(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	mock.PageSize = 2
	store, _ := New(mock, "test", WithPrefix("root"))

	want := []string{"d/1", "d/2", "d/3", "d/4", "d/5"}
	for _, k := range want {
		_ = store.Put(ctx, k, bytes.NewReader([]byte(k)))
	}
	_ = store.Put(ctx, "other/x", bytes.NewReader([]byte("x")))

	got, err := store.List(ctx, "d/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
	if mock.ListCalls != 3 {
		t.Errorf("expected 3 list pages, got %d", mock.ListCalls)
	}
}

func TestStore_List_PrefixKeepsDirectoryBoundary(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockClient(), "test")
	_ = store.Put(ctx, "data/a", bytes.NewReader([]byte("a")))
	_ = store.Put(ctx, "database/b", bytes.NewReader([]byte("b")))

	got, err := store.List(ctx, "data/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !slices.Equal(got, []string{"data/a"}) {
		t.Errorf("List = %v, want [data/a]", got)
	}
}

func TestStore_List_ErrInvalidPath(t *testing.T) {
	store, _ := New(NewMockClient(), "test")
	if _, err := store.List(t.Context(), "../escape"); !errors.Is(err, parcel.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Opener
// -----------------------------------------------------------------------------

func TestOpener_RoutesBuckets(t *testing.T) {
	ctx := t.Context()
	mock := NewMockClient()
	fs, err := parcel.NewFileSystem(Opener(mock, "p"))
	if err != nil {
		t.Fatalf("NewFileSystem failed: %v", err)
	}

	for _, b := range []string{"one", "two"} {
		w, err := fs.Create(ctx, "s3://"+b+"/k.txt", parcel.WriteExclusive)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, _ = w.Write([]byte(b))
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	for _, b := range []string{"one", "two"} {
		data, ok := mock.Object(b, "p/k.txt")
		if !ok || string(data) != b {
			t.Errorf("bucket %s: got %q (ok=%v)", b, data, ok)
		}
	}
}
