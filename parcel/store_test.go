package parcel

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// stores returns one instance of each built-in Store.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{"fs": fs, "memory": NewMemory()}
}

func readAll(t *testing.T, s Store, path string) string {
	t.Helper()
	rc, err := s.Get(t.Context(), path)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", path, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestStore_Put_ErrPathExists(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if err := store.Put(ctx, "test/file.txt", strings.NewReader("hello")); err != nil {
				t.Fatalf("first Put failed: %v", err)
			}
			err := store.Put(ctx, "test/file.txt", strings.NewReader("world"))
			if !errors.Is(err, ErrPathExists) {
				t.Errorf("expected ErrPathExists, got: %v", err)
			}
			if got := readAll(t, store, "test/file.txt"); got != "hello" {
				t.Errorf("content = %q, want %q", got, "hello")
			}
		})
	}
}

func TestStore_Replace_Overwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if err := store.Replace(ctx, "a/b.txt", strings.NewReader("one")); err != nil {
				t.Fatalf("Replace failed: %v", err)
			}
			if err := store.Replace(ctx, "a/b.txt", strings.NewReader("two")); err != nil {
				t.Fatalf("second Replace failed: %v", err)
			}
			if got := readAll(t, store, "a/b.txt"); got != "two" {
				t.Errorf("content = %q, want %q", got, "two")
			}
		})
	}
}

func TestStore_Get_ErrNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(t.Context(), "missing.txt")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got: %v", err)
			}
		})
	}
}

func TestStore_Exists(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			ok, err := store.Exists(ctx, "x.txt")
			if err != nil || ok {
				t.Fatalf("Exists before Put = %v, %v; want false, nil", ok, err)
			}
			if err := store.Put(ctx, "x.txt", strings.NewReader("x")); err != nil {
				t.Fatal(err)
			}
			ok, err = store.Exists(ctx, "x.txt")
			if err != nil || !ok {
				t.Fatalf("Exists after Put = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestStore_List_Prefix(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			for _, p := range []string{"data/v1/a.parquet", "data/v2/a.parquet", "data2/x", "other"} {
				if err := store.Put(ctx, p, strings.NewReader(p)); err != nil {
					t.Fatal(err)
				}
			}

			tests := []struct {
				prefix string
				want   []string
			}{
				{"", []string{"data/v1/a.parquet", "data/v2/a.parquet", "data2/x", "other"}},
				{"data/", []string{"data/v1/a.parquet", "data/v2/a.parquet"}},
				{"data", []string{"data/v1/a.parquet", "data/v2/a.parquet", "data2/x"}},
				{"data/v", []string{"data/v1/a.parquet", "data/v2/a.parquet"}},
				{"nothing/", nil},
			}
			for _, tt := range tests {
				got, err := store.List(ctx, tt.prefix)
				if err != nil {
					t.Fatalf("List(%q) failed: %v", tt.prefix, err)
				}
				sort.Strings(got)
				if strings.Join(got, ",") != strings.Join(tt.want, ",") {
					t.Errorf("List(%q) = %v, want %v", tt.prefix, got, tt.want)
				}
			}
		})
	}
}

func TestStore_InvalidPaths(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			for _, p := range []string{"", ".", "..", "../escape", "a/../../b"} {
				if err := store.Put(ctx, p, bytes.NewReader(nil)); !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Put(%q): expected ErrInvalidPath, got %v", p, err)
				}
				if _, err := store.Get(ctx, p); !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Get(%q): expected ErrInvalidPath, got %v", p, err)
				}
			}
			if _, err := store.List(ctx, "../"); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("List(../): expected ErrInvalidPath, got %v", err)
			}
		})
	}
}

func TestStore_Delete_Idempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			if err := store.Put(ctx, "d.txt", strings.NewReader("d")); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "d.txt"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, "d.txt"); err != nil {
				t.Fatalf("second Delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "d.txt"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after Delete, got %v", err)
			}
		})
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	if err := store.Put(ctx, "k", strings.NewReader("abc")); err != nil {
		t.Fatal(err)
	}
	rc, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	data[0] = 'z'
	if got := readAll(t, store, "k"); got != "abc" {
		t.Errorf("stored data mutated through Get: %q", got)
	}
}

func TestFSStore_ReplaceLeavesNoTempFiles(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"1", "2", "3"} {
		if err := store.Replace(ctx, "dir/obj", strings.NewReader(s)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "dir"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "obj" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("dir entries = %v, want [obj]", names)
	}
}

func TestFSStore_ListSkipsTempFiles(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "dir/obj", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "dir", ".parcel-123"), []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := store.List(ctx, "dir/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "dir/obj" {
		t.Errorf("List = %v, want [dir/obj]", got)
	}
}

func TestNewFS_Errors(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing root")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFS(file); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestFSOpener(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	open := FSOpener(root)

	store, err := open(ctx, "bucket")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.Put(ctx, "k.txt", strings.NewReader("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "bucket", "k.txt")); err != nil {
		t.Errorf("expected object under bucket directory: %v", err)
	}

	for _, bucket := range []string{"", ".", "..", "a/b"} {
		if _, err := open(ctx, bucket); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("open(%q): expected ErrInvalidPath, got %v", bucket, err)
		}
	}
}

func TestMemoryOpener_SharesBucketStores(t *testing.T) {
	ctx := t.Context()
	open := MemoryOpener()

	a1, _ := open(ctx, "a")
	a2, _ := open(ctx, "a")
	b, _ := open(ctx, "b")

	if err := a1.Put(ctx, "k", strings.NewReader("v")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a2.Exists(ctx, "k"); !ok {
		t.Error("bucket a should be shared between opens")
	}
	if ok, _ := b.Exists(ctx, "k"); ok {
		t.Error("bucket b should not see bucket a objects")
	}
}
