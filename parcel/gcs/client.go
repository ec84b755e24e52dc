package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/justapithecus/parcel/parcel"
)

// ClientConfig holds configuration for creating a GCS client.
type ClientConfig struct {
	// CredentialsJSON is a service account key. When empty, application
	// default credentials are used.
	CredentialsJSON []byte

	// Endpoint overrides the service endpoint, for example a local
	// emulator. Requests to a custom endpoint without credentials are sent
	// unauthenticated.
	Endpoint string
}

// NewClient creates a Cloud Storage client from cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*storage.Client, error) {
	var opts []option.ClientOption
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if len(cfg.CredentialsJSON) == 0 {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return client, nil
}

// clientAPI adapts *storage.Client to API.
type clientAPI struct {
	client *storage.Client
}

// NewAPI adapts client to API.
func NewAPI(client *storage.Client) API {
	return &clientAPI{client: client}
}

func (c *clientAPI) Read(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := c.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, parcel.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (c *clientAPI) Write(ctx context.Context, bucket, key string, r io.Reader, exclusive bool) error {
	obj := c.client.Bucket(bucket).Object(key)
	if exclusive {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	// Canceling the writer's context discards a partial upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		if exclusive && isPreconditionFailed(err) {
			return parcel.ErrPathExists
		}
		return err
	}
	return nil
}

func (c *clientAPI) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *clientAPI) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *clientAPI) Delete(ctx context.Context, bucket, key string) error {
	err := c.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return parcel.ErrNotFound
	}
	return err
}

// isPreconditionFailed reports whether err is a failed DoesNotExist condition.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
