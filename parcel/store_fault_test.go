package parcel

import (
	"context"
	"io"
	"sync"
)

// -----------------------------------------------------------------------------
// Fault-Injection Store Wrapper (test-only)
// -----------------------------------------------------------------------------
//
// faultStore wraps a Store, records every call and optionally fails
// selected operations.

type faultStore struct {
	inner Store

	mu sync.Mutex

	putErr    error
	getErr    error
	existsErr error
	listErr   error

	putCalls     []string
	replaceCalls []string
	getCalls     []string
	existsCalls  []string
	listCalls    []string
	deleteCalls  []string

	// opened and closed count readers returned by Get and closed by the
	// caller.
	opened int
	closed int

	// hideFromExists makes Exists report false for these keys even though
	// they are listed, as a lagging listing would.
	hideFromExists map[string]bool
}

func newFaultStore(inner Store) *faultStore {
	return &faultStore{inner: inner, hideFromExists: make(map[string]bool)}
}

func (f *faultStore) Put(ctx context.Context, path string, r io.Reader) error {
	f.mu.Lock()
	f.putCalls = append(f.putCalls, path)
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Put(ctx, path, r)
}

func (f *faultStore) Replace(ctx context.Context, path string, r io.Reader) error {
	f.mu.Lock()
	f.replaceCalls = append(f.replaceCalls, path)
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Replace(ctx, path, r)
}

func (f *faultStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, path)
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rc, err := f.inner.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &trackedReader{ReadCloser: rc, store: f}, nil
}

// trackedReader reports its first Close to the owning faultStore.
type trackedReader struct {
	io.ReadCloser
	store *faultStore
	once  sync.Once
}

func (r *trackedReader) Close() error {
	r.once.Do(func() {
		r.store.mu.Lock()
		r.store.closed++
		r.store.mu.Unlock()
	})
	return r.ReadCloser.Close()
}

func (f *faultStore) Exists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	f.existsCalls = append(f.existsCalls, path)
	err := f.existsErr
	hidden := f.hideFromExists[path]
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	if hidden {
		return false, nil
	}
	return f.inner.Exists(ctx, path)
}

func (f *faultStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, prefix)
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inner.List(ctx, prefix)
}

func (f *faultStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, path)
	f.mu.Unlock()
	return f.inner.Delete(ctx, path)
}

func (f *faultStore) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

// openReaders returns the number of readers from Get not yet closed.
func (f *faultStore) openReaders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

func (f *faultStore) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.putCalls) + len(f.replaceCalls) + len(f.getCalls) +
		len(f.existsCalls) + len(f.listCalls) + len(f.deleteCalls)
}

// faultOpener returns an Opener serving store for every bucket.
func faultOpener(store Store) Opener {
	return func(context.Context, string) (Store, error) {
		return store, nil
	}
}
