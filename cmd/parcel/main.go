// Command parcel inspects, loads and saves Parquet datasets on object stores.
//
// Usage:
//
//	parcel [flags] <describe|exists|load|save|versions> [filepath]
//
// The dataset is given either as a filepath ("gs://bucket/key.parquet",
// "bucket/key.parquet") or by name from a catalog file (-catalog,
// -dataset). Dataset flags given with -catalog override the entry.
// Loaded tables are written to stdout as JSON Lines; save reads JSON
// Lines from -input, optionally gzip or zstd compressed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/justapithecus/parcel/parcel"
	azurestore "github.com/justapithecus/parcel/parcel/azure"
	gcsstore "github.com/justapithecus/parcel/parcel/gcs"
	s3store "github.com/justapithecus/parcel/parcel/s3"
)

// flags groups all CLI flags.
type flags struct {
	backend     string
	bucket      string
	root        string
	prefix      string
	region      string
	endpoint    string
	pathStyle   bool
	account     string
	catalog     string
	dataset     string
	versioned   bool
	loadVersion string
	saveVersion string
	columns     string
	compression string
	input       string
	logLevel    string
	metricsAddr string

	command  string
	filepath string
}

var commands = map[string]bool{
	"describe": true,
	"exists":   true,
	"load":     true,
	"save":     true,
	"versions": true,
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("parcel", flag.ContinueOnError)
	fs.StringVar(&f.backend, "backend", "fs", "Store backend: memory, fs, s3, gcs, azure")
	fs.StringVar(&f.bucket, "bucket", "", "Bucket name (overrides the first path segment)")
	fs.StringVar(&f.root, "root", "", "Root directory for the fs backend")
	fs.StringVar(&f.prefix, "prefix", "", "Key prefix applied inside every bucket")
	fs.StringVar(&f.region, "region", "", "Region (S3)")
	fs.StringVar(&f.endpoint, "endpoint", "", "Custom endpoint (S3, GCS emulator, Azurite)")
	fs.BoolVar(&f.pathStyle, "path-style", false, "Use path-style addressing (S3)")
	fs.StringVar(&f.account, "account", "", "Storage account (Azure)")
	fs.StringVar(&f.catalog, "catalog", "", "Path to a catalog YAML file")
	fs.StringVar(&f.dataset, "dataset", "", "Dataset name in the catalog")
	fs.BoolVar(&f.versioned, "versioned", false, "Enable dataset versioning")
	fs.StringVar(&f.loadVersion, "load-version", "", "Version to load (default latest)")
	fs.StringVar(&f.saveVersion, "save-version", "", "Version to save (default generated)")
	fs.StringVar(&f.columns, "columns", "", "Columns to load (csv)")
	fs.StringVar(&f.compression, "compression", "", "Parquet compression for save")
	fs.StringVar(&f.input, "input", "-", "JSONL input for save (.gz, .zst supported; - for stdin)")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Env var fallbacks.
	if env := os.Getenv("PARCEL_BACKEND"); env != "" && !isSet(fs, "backend") {
		f.backend = env
	}
	if f.root == "" {
		f.root = os.Getenv("PARCEL_ROOT")
	}
	if f.region == "" {
		f.region = os.Getenv("AWS_REGION")
	}
	if f.account == "" {
		f.account = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, errors.New("missing command")
	}
	f.command = rest[0]
	if !commands[f.command] {
		return nil, fmt.Errorf("unknown command %q", f.command)
	}
	if len(rest) > 1 {
		f.filepath = rest[1]
	}
	if f.filepath == "" && f.catalog == "" {
		return nil, errors.New("a filepath or -catalog is required")
	}
	if f.catalog != "" && f.dataset == "" {
		return nil, errors.New("-dataset is required with -catalog")
	}
	if (f.loadVersion != "" || f.saveVersion != "") && !f.versioned && f.catalog == "" {
		return nil, errors.New("-load-version and -save-version require -versioned")
	}
	return f, nil
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	// --- Logger ---
	level, err := zap.ParseAtomicLevel(f.logLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	zapLog, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	metrics := parcel.NewMetricsWithRegistry(reg)
	if f.metricsAddr != "" {
		stop := serveMetrics(f.metricsAddr, reg, log)
		defer stop()
	}

	// --- File system ---
	opener, cleanup, err := newOpener(ctx, f)
	if err != nil {
		return err
	}
	defer cleanup()

	fsys, err := parcel.NewFileSystem(opener,
		parcel.WithFileSystemLogger(log.WithName("fs")),
		parcel.WithFileSystemMetrics(metrics),
	)
	if err != nil {
		return err
	}

	// --- Dataset ---
	ds, err := newDataset(f, fsys, parcel.Config{Logger: log.WithName("dataset"), Metrics: metrics})
	if err != nil {
		return err
	}
	defer ds.Release()

	switch f.command {
	case "describe":
		_, err = fmt.Fprintln(stdout, ds.Describe().String())
		return err

	case "exists":
		ok, err := ds.Exists(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, ok)
		return err

	case "versions":
		versions, err := ds.Versions(ctx)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if _, err := fmt.Fprintln(stdout, v); err != nil {
				return err
			}
		}
		return nil

	case "load":
		t, err := ds.Load(ctx)
		if err != nil {
			return err
		}
		return parcel.NewJSONLCodec(nil).Encode(stdout, t, parcel.SaveOptions{})

	case "save":
		t, err := readInput(f.input, stdin)
		if err != nil {
			return err
		}
		if err := ds.Save(ctx, t); err != nil {
			return err
		}
		log.Info("save complete", "rows", t.NumRows(), "dataset", ds.Location().String())
		return nil
	}
	return fmt.Errorf("unknown command %q", f.command)
}

// newOpener builds the bucket opener for the selected backend and returns a
// cleanup function for any client it created.
func newOpener(ctx context.Context, f *flags) (parcel.Opener, func(), error) {
	noop := func() {}
	switch f.backend {
	case "memory":
		return parcel.MemoryOpener(), noop, nil

	case "fs":
		if f.root == "" {
			return nil, nil, errors.New("-root or PARCEL_ROOT is required for the fs backend")
		}
		return parcel.FSOpener(f.root), noop, nil

	case "s3":
		client, err := s3store.NewClient(ctx, s3store.ClientConfig{
			Region:       f.region,
			Endpoint:     f.endpoint,
			UsePathStyle: f.pathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating s3 client: %w", err)
		}
		return s3store.Opener(client, f.prefix), noop, nil

	case "gcs":
		client, err := gcsstore.NewClient(ctx, gcsstore.ClientConfig{Endpoint: f.endpoint})
		if err != nil {
			return nil, nil, err
		}
		return gcsstore.Opener(gcsstore.NewAPI(client), f.prefix), func() { _ = client.Close() }, nil

	case "azure":
		client, err := azurestore.NewClient(azurestore.ClientConfig{
			AccountName: f.account,
			AccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
			ServiceURL:  f.endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return azurestore.Opener(azurestore.NewAPI(client), f.prefix), noop, nil
	}
	return nil, nil, fmt.Errorf("unsupported backend: %s", f.backend)
}

func newDataset(f *flags, fsys *parcel.FileSystem, base parcel.Config) (*parcel.Dataset, error) {
	if f.catalog != "" {
		file, err := os.Open(f.catalog)
		if err != nil {
			return nil, fmt.Errorf("opening catalog: %w", err)
		}
		defer func() { _ = file.Close() }()

		cat, err := parcel.LoadCatalog(file)
		if err != nil {
			return nil, err
		}
		e, ok := cat.Entry(f.dataset)
		if !ok {
			return nil, fmt.Errorf("catalog has no dataset %q: %w", f.dataset, parcel.ErrNotFound)
		}
		applyOverrides(&e, f)
		ds, err := e.Dataset(fsys, base)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", f.dataset, err)
		}
		return ds, nil
	}

	loc, err := parcel.NewLocation(f.filepath, f.bucket)
	if err != nil {
		return nil, err
	}
	cfg := base
	if f.columns != "" {
		cfg.LoadOptions.Columns = strings.Split(f.columns, ",")
	}
	cfg.SaveOptions.Compression = f.compression
	if f.versioned {
		cfg.Version = &parcel.Version{Load: f.loadVersion, Save: f.saveVersion}
	}
	return parcel.New(loc, fsys, cfg)
}

// applyOverrides lets explicit flags take precedence over a catalog entry.
func applyOverrides(e *parcel.CatalogEntry, f *flags) {
	if f.bucket != "" {
		e.BucketName = f.bucket
	}
	if f.versioned {
		e.Versioned = true
	}
	if f.loadVersion != "" {
		e.LoadVersion = f.loadVersion
	}
	if f.saveVersion != "" {
		e.SaveVersion = f.saveVersion
	}
	if f.columns != "" {
		e.LoadArgs.Columns = strings.Split(f.columns, ",")
	}
	if f.compression != "" {
		e.SaveArgs.Compression = f.compression
	}
}

// readInput decodes a JSONL table from path, or from stdin for "-".
// Gzip and zstd input is detected from its content.
func readInput(path string, stdin io.Reader) (*parcel.Table, error) {
	r := stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer func() { _ = file.Close() }()
		r = file
	}

	t, err := parcel.NewJSONLCodec(nil).Decode(r, parcel.LoadOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return t, nil
}

// serveMetrics serves reg on addr until the returned stop function is called.
func serveMetrics(addr string, reg *prometheus.Registry, log logr.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server error")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
