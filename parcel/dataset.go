package parcel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Dataset loads and saves one table at a Location, optionally versioned.
//
// Unversioned datasets read and overwrite the object at the location
// itself. Versioned datasets store each save at
// "<location>/<version>/<base>" and never overwrite an existing version;
// loads resolve to an explicit version or to the newest one present.
//
// Paths are resolved on every call, so each operation observes the
// current state of the store.
type Dataset struct {
	loc      Location
	fs       *FileSystem
	codec    Codec
	loadOpts LoadOptions
	saveOpts SaveOptions
	version  *Version
	logger   logr.Logger
	metrics  *Metrics
	clock    func() time.Time
}

// Description is a static snapshot of a dataset's configuration.
type Description struct {
	Filepath    string      `json:"filepath"`
	Protocol    string      `json:"protocol,omitempty"`
	Codec       string      `json:"codec"`
	LoadOptions LoadOptions `json:"load_args"`
	SaveOptions SaveOptions `json:"save_args"`
	Version     *Version    `json:"version,omitempty"`
}

// String renders the description as JSON for diagnostics.
func (d Description) String() string {
	s, err := jsonCodec.MarshalToString(d)
	if err != nil {
		return fmt.Sprintf("%s (%v)", d.Filepath, err)
	}
	return s
}

// New creates a Dataset at loc backed by fs.
func New(loc Location, fs *FileSystem, cfg Config) (*Dataset, error) {
	if fs == nil {
		return nil, errors.New("parcel: file system is required")
	}
	if loc.Bucket == "" || loc.Key == "" {
		return nil, fmt.Errorf("%w: location %q", ErrInvalidPath, loc.Path())
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("parcel: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("parcel: %w", err)
	}

	var version *Version
	if cfg.Version != nil {
		v := *cfg.Version
		version = &v
	}

	return &Dataset{
		loc:      loc,
		fs:       fs,
		codec:    cfg.Codec,
		loadOpts: cloneLoadOptions(cfg.LoadOptions),
		saveOpts: cloneSaveOptions(cfg.SaveOptions),
		version:  version,
		logger:   cfg.Logger.WithValues("dataset", loc.Path()),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
	}, nil
}

// Location returns the dataset location.
func (d *Dataset) Location() Location {
	return d.loc
}

// Versioned reports whether versioning is enabled.
func (d *Dataset) Versioned() bool {
	return d.version != nil
}

// Load reads the table at the resolved load path.
//
// Returns an error matching ErrNotFound when no object or version exists.
func (d *Dataset) Load(ctx context.Context) (_ *Table, err error) {
	start := time.Now()
	defer func() { d.metrics.observe("load", start, err) }()

	p, err := d.ResolveLoadPath(ctx)
	if err != nil {
		return nil, fmt.Errorf("parcel: load %s: %w", d.loc, err)
	}

	rc, err := d.fs.Open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("parcel: load %s: %w", p, err)
	}
	defer func() { _ = rc.Close() }()

	t, err := d.codec.Decode(rc, d.loadOpts)
	if err != nil {
		return nil, fmt.Errorf("parcel: decode %s: %w", p, err)
	}

	d.logger.V(1).Info("loaded dataset", "path", p, "rows", t.NumRows())
	return t, nil
}

// Save writes t to the resolved save path.
//
// Versioned saves fail with ErrVersionExists rather than overwrite. The
// listing cache for the dataset is invalidated exactly once per call,
// before Save returns, whatever the outcome.
func (d *Dataset) Save(ctx context.Context, t *Table) (err error) {
	start := time.Now()
	defer func() { d.metrics.observe("save", start, err) }()
	defer d.InvalidateCache()

	if t == nil {
		return errors.New("parcel: save: table is nil")
	}

	p, version, err := d.resolveSave(ctx)
	if err != nil {
		return fmt.Errorf("parcel: save %s: %w", d.loc, err)
	}

	mode := WriteOverwrite
	if d.version != nil {
		mode = WriteExclusive
	}
	w, err := d.fs.Create(ctx, p, mode)
	if err != nil {
		return fmt.Errorf("parcel: save %s: %w", p, err)
	}

	if err := d.codec.Encode(w, t, d.saveOpts); err != nil {
		w.Abort()
		return fmt.Errorf("parcel: encode %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		if d.version != nil && errors.Is(err, ErrPathExists) {
			return fmt.Errorf("parcel: save %s: %w", p, ErrVersionExists)
		}
		return fmt.Errorf("parcel: save %s: %w", p, err)
	}

	d.logger.Info("saved dataset", "path", p, "rows", t.NumRows(), "version", version)
	if d.version != nil && d.version.Load != "" && d.version.Load != version {
		d.logger.Info("load version differs from saved version; subsequent loads will not see this save",
			"loadVersion", d.version.Load, "saveVersion", version)
	}
	return nil
}

// Exists reports whether the resolved load path exists.
//
// A load path that cannot be resolved (for example, no versions saved
// yet) yields false rather than an error. Store errors are returned.
func (d *Dataset) Exists(ctx context.Context) (_ bool, err error) {
	start := time.Now()
	defer func() { d.metrics.observe("exists", start, err) }()

	p, err := d.ResolveLoadPath(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPath) {
			d.logger.V(1).Info("load path not resolvable", "reason", err.Error())
			return false, nil
		}
		return false, fmt.Errorf("parcel: exists %s: %w", d.loc, err)
	}

	ok, err := d.fs.Exists(ctx, p)
	if err != nil {
		return false, fmt.Errorf("parcel: exists %s: %w", p, err)
	}
	return ok, nil
}

// Describe returns the dataset configuration. It performs no I/O.
func (d *Dataset) Describe() Description {
	var version *Version
	if d.version != nil {
		v := *d.version
		version = &v
	}
	return Description{
		Filepath:    d.loc.Path(),
		Protocol:    d.loc.Protocol,
		Codec:       d.codec.Name(),
		LoadOptions: cloneLoadOptions(d.loadOpts),
		SaveOptions: cloneSaveOptions(d.saveOpts),
		Version:     version,
	}
}

// InvalidateCache drops cached listings for the dataset path.
func (d *Dataset) InvalidateCache() {
	d.fs.InvalidateCache(d.loc.Path())
}

// Release drops any cached state the dataset holds in its file system.
func (d *Dataset) Release() {
	d.InvalidateCache()
}

// Versions lists the saved version ids, newest first.
// Unversioned datasets return nil.
func (d *Dataset) Versions(ctx context.Context) ([]string, error) {
	if d.version == nil {
		return nil, nil
	}
	paths, err := d.fs.Glob(ctx, d.loc.VersionGlob())
	if err != nil {
		return nil, fmt.Errorf("parcel: list versions of %s: %w", d.loc, err)
	}
	base := d.loc.Path() + "/"
	versions := make([]string, 0, len(paths))
	for _, p := range paths {
		id, _, _ := strings.Cut(strings.TrimPrefix(p, base), "/")
		versions = append(versions, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions, nil
}

// ResolveLoadPath returns the path Load would read.
//
// For the latest version, candidates are ordered by version id, newest
// first, and the first that exists wins. Returns ErrVersionNotFound when
// none does.
func (d *Dataset) ResolveLoadPath(ctx context.Context) (string, error) {
	if d.version == nil {
		return d.loc.Path(), nil
	}
	if d.version.Load != "" {
		return d.loc.VersionedPath(d.version.Load), nil
	}

	pattern := d.loc.VersionGlob()
	candidates, err := d.fs.Glob(ctx, pattern)
	if err != nil {
		return "", err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	for _, p := range candidates {
		ok, err := d.fs.Exists(ctx, p)
		if err != nil {
			return "", err
		}
		if ok {
			d.logger.V(1).Info("resolved latest version", "path", p, "candidates", len(candidates))
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrVersionNotFound, pattern)
}

// ResolveSavePath returns the path the next Save would write.
//
// For generated versions the id depends on the clock, so a later Save may
// write elsewhere.
func (d *Dataset) ResolveSavePath(ctx context.Context) (string, error) {
	p, _, err := d.resolveSave(ctx)
	return p, err
}

func (d *Dataset) resolveSave(ctx context.Context) (string, string, error) {
	if d.version == nil {
		return d.loc.Path(), "", nil
	}

	version := d.version.Save
	if version == "" {
		version = FormatVersion(d.clock())
	}
	p := d.loc.VersionedPath(version)

	exists, err := d.fs.Exists(ctx, p)
	if err != nil {
		return "", "", err
	}
	if exists {
		return "", "", fmt.Errorf("%w: %s", ErrVersionExists, p)
	}
	return p, version, nil
}

func cloneLoadOptions(o LoadOptions) LoadOptions {
	if o.Columns != nil {
		o.Columns = append([]string(nil), o.Columns...)
	}
	return o
}

func cloneSaveOptions(o SaveOptions) SaveOptions {
	if o.Metadata != nil {
		m := make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			m[k] = v
		}
		o.Metadata = m
	}
	return o
}
