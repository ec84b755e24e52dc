package parcel

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one dataset in a catalog file.
type CatalogEntry struct {
	// Type selects the codec: "parquet" (default) or "jsonl". A jsonl
	// filepath ending in ".gz" or ".zst" is written compressed.
	Type string `yaml:"type"`

	// Filepath is the dataset path, optionally with a protocol prefix.
	Filepath string `yaml:"filepath"`

	// BucketName overrides the bucket taken from Filepath.
	BucketName string `yaml:"bucket_name,omitempty"`

	LoadArgs LoadOptions `yaml:"load_args,omitempty"`
	SaveArgs SaveOptions `yaml:"save_args,omitempty"`

	// Versioned enables versioning. LoadVersion and SaveVersion pin
	// explicit ids; empty values mean latest and generated.
	Versioned   bool   `yaml:"versioned,omitempty"`
	LoadVersion string `yaml:"load_version,omitempty"`
	SaveVersion string `yaml:"save_version,omitempty"`

	// Schema lists the columns of a jsonl dataset, in order. JSON Lines
	// carry no types, so jsonl entries require it; parquet files carry
	// their own and reject it.
	Schema []CatalogField `yaml:"schema,omitempty"`
}

// CatalogField declares one column of a catalog schema.
type CatalogField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable,omitempty"`
}

// TableSchema converts the declared columns to a Schema.
func (e CatalogEntry) TableSchema() (Schema, error) {
	fields := make([]Field, len(e.Schema))
	for i, f := range e.Schema {
		t, err := ParseType(f.Type)
		if err != nil {
			return Schema{}, fmt.Errorf("column %q: %w", f.Name, err)
		}
		fields[i] = Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	schema := Schema{Fields: fields}
	if err := schema.Validate(); err != nil {
		return Schema{}, err
	}
	return schema, nil
}

// Catalog maps dataset names to their entries.
//
// Example:
//
//	trips:
//	  type: parquet
//	  filepath: gs://analytics/raw/trips.parquet
//	  save_args:
//	    compression: zstd
//	  versioned: true
//	events:
//	  type: jsonl
//	  filepath: s3://lake/events.jsonl
//	  schema:
//	    - {name: at, type: timestamp}
//	    - {name: kind, type: string}
//	    - {name: count, type: int32, nullable: true}
type Catalog struct {
	entries map[string]CatalogEntry
}

// LoadCatalog parses a YAML catalog from r.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	entries := make(map[string]CatalogEntry)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parcel: parse catalog: %w", err)
	}

	for name, e := range entries {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("parcel: catalog entry %q: %w", name, err)
		}
	}
	return &Catalog{entries: entries}, nil
}

// Names returns the dataset names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for name.
func (c *Catalog) Entry(name string) (CatalogEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Dataset builds the named dataset on fs.
//
// Codec, options and version come from the catalog entry; the logger,
// metrics and clock come from base.
func (c *Catalog) Dataset(name string, fs *FileSystem, base Config) (*Dataset, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("parcel: catalog has no dataset %q: %w", name, ErrNotFound)
	}
	ds, err := e.Dataset(fs, base)
	if err != nil {
		return nil, fmt.Errorf("parcel: catalog entry %q: %w", name, err)
	}
	return ds, nil
}

// Dataset builds the dataset the entry describes on fs. Entries changed
// after loading are validated again.
func (e CatalogEntry) Dataset(fs *FileSystem, base Config) (*Dataset, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	loc, err := NewLocation(e.Filepath, e.BucketName)
	if err != nil {
		return nil, err
	}

	cfg := base
	cfg.LoadOptions = e.LoadArgs
	cfg.SaveOptions = e.SaveArgs
	cfg.Version = nil
	if e.Versioned {
		cfg.Version = &Version{Load: e.LoadVersion, Save: e.SaveVersion}
	}
	switch e.Type {
	case "jsonl":
		schema, err := e.TableSchema()
		if err != nil {
			return nil, err
		}
		cfg.Codec = NewJSONLCodec(&schema, WithJSONLCompression(CompressionForPath(loc.Key)))
	default:
		codec, err := NewParquetCodec()
		if err != nil {
			return nil, err
		}
		cfg.Codec = codec
	}
	return New(loc, fs, cfg)
}

func (e CatalogEntry) validate() error {
	if e.Filepath == "" {
		return fmt.Errorf("%w: filepath is required", ErrInvalidPath)
	}
	switch e.Type {
	case "", "parquet":
		if len(e.Schema) > 0 {
			return errors.New("schema is only supported for jsonl")
		}
	case "jsonl":
		if len(e.Schema) == 0 {
			return fmt.Errorf("%w: jsonl requires a schema", ErrSchemaViolation)
		}
		if _, err := e.TableSchema(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported type %q", e.Type)
	}
	if !e.Versioned && (e.LoadVersion != "" || e.SaveVersion != "") {
		return errors.New("versions set on an unversioned dataset")
	}
	return nil
}
