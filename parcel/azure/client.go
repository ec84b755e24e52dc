package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/justapithecus/parcel/parcel"
)

// ClientConfig holds configuration for creating a Blob Storage client.
type ClientConfig struct {
	// AccountName is the storage account (required).
	AccountName string

	// AccountKey enables shared key auth. When empty, the default Azure
	// credential chain is used.
	AccountKey string

	// ServiceURL overrides "https://<account>.blob.core.windows.net",
	// for example to target Azurite.
	ServiceURL string
}

// NewClient creates a Blob Storage client from cfg.
func NewClient(cfg ClientConfig) (*azblob.Client, error) {
	if cfg.AccountName == "" {
		return nil, errors.New("azure: account name is required")
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	if cfg.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("azure: shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: default credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// clientAPI adapts *azblob.Client to API.
type clientAPI struct {
	client *azblob.Client
}

// NewAPI adapts client to API.
func NewAPI(client *azblob.Client) API {
	return &clientAPI{client: client}
}

func (c *clientAPI) Download(ctx context.Context, container, name string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, parcel.ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (c *clientAPI) Upload(ctx context.Context, container, name string, r io.Reader, exclusive bool) error {
	var opts *azblob.UploadStreamOptions
	if exclusive {
		etag := azcore.ETagAny
		opts = &azblob.UploadStreamOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etag},
			},
		}
	}
	if _, err := c.client.UploadStream(ctx, container, name, r, opts); err != nil {
		if exclusive && isConditionFailed(err) {
			return parcel.ErrPathExists
		}
		return err
	}
	return nil
}

func (c *clientAPI) Exists(ctx context.Context, container, name string) (bool, error) {
	bc := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(name)
	if _, err := bc.GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *clientAPI) List(ctx context.Context, container, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (c *clientAPI) Delete(ctx context.Context, container, name string) error {
	if _, err := c.client.DeleteBlob(ctx, container, name, nil); err != nil {
		if isNotFound(err) {
			return parcel.ErrNotFound
		}
		return err
	}
	return nil
}

// isNotFound reports whether err means the blob or container is missing.
func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// isConditionFailed reports whether err is a failed If-None-Match upload.
func isConditionFailed(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) &&
		(respErr.StatusCode == http.StatusConflict || respErr.StatusCode == http.StatusPreconditionFailed)
}
