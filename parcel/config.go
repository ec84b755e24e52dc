package parcel

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Config holds the resolved configuration of a Dataset.
//
// Zero fields take defaults in New: a Parquet codec with Snappy
// compression, a discarding logger, no metrics and time.Now.
type Config struct {
	// Codec encodes and decodes tables. Default: NewParquetCodec().
	Codec Codec

	// LoadOptions are passed to Codec.Decode on every Load.
	LoadOptions LoadOptions

	// SaveOptions are passed to Codec.Encode on every Save.
	SaveOptions SaveOptions

	// Version enables versioning when non-nil.
	Version *Version

	// Logger receives save events and, at V(1), path resolution detail.
	Logger logr.Logger

	// Metrics records dataset operations. Nil disables metrics.
	Metrics *Metrics

	// Clock generates save version ids. Default: time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Codec == nil {
		codec, err := NewParquetCodec()
		if err != nil {
			return err
		}
		c.Codec = codec
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

func (c *Config) validate() error {
	if c.Version == nil {
		return nil
	}
	if c.Version.Load != "" && !validVersionID(c.Version.Load) {
		return fmt.Errorf("%w: load version %q", ErrInvalidPath, c.Version.Load)
	}
	if c.Version.Save != "" && !validVersionID(c.Version.Save) {
		return fmt.Errorf("%w: save version %q", ErrInvalidPath, c.Version.Save)
	}
	return nil
}
