package datasource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// KindAzureBlob identifies the Azure Blob Storage connector.
const KindAzureBlob = "azure_blob"

type azureBlobConnector struct {
	client    *azblob.Client
	container string
}

// NewAzureBlob builds an Azure Blob Storage connector. Accepted params:
// container_name (required) plus either connection_string, or account_url
// with an optional sas_token (omit the token for public containers).
func NewAzureBlob(_ context.Context, params map[string]string) (Connector, error) {
	container := params["container_name"]
	if container == "" {
		return nil, fmt.Errorf("%w: container_name is required", ErrConnection)
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case params["connection_string"] != "":
		client, err = azblob.NewClientFromConnectionString(params["connection_string"], nil)
	case params["account_url"] != "":
		serviceURL := params["account_url"]
		if sas := params["sas_token"]; sas != "" {
			serviceURL = serviceURL + "?" + strings.TrimPrefix(sas, "?")
		}
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	default:
		return nil, fmt.Errorf("%w: either connection_string or account_url must be provided", ErrConnection)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return &azureBlobConnector{client: client, container: container}, nil
}

func (c *azureBlobConnector) Ping(ctx context.Context) error {
	_, err := c.client.ServiceClient().NewContainerClient(c.container).GetProperties(ctx, nil)
	switch {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return fmt.Errorf("%w: container %q does not exist or is not accessible", ErrConnection, c.container)
	default:
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
}

// ListItems lists blobs in the container, optionally under a name prefix.
func (c *azureBlobConnector) ListItems(ctx context.Context, prefix string) ([]Item, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}

	var items []Item
	pager := c.client.NewListBlobsFlatPager(c.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure) {
				return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
			}
			return nil, fmt.Errorf("%w: listing blobs: %v", ErrFetch, err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name == nil {
				continue
			}
			item := Item{Name: path.Base(*blob.Name), Path: *blob.Name}
			if p := blob.Properties; p != nil {
				if p.ContentLength != nil {
					item.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					item.ModifiedAt = *p.LastModified
				}
				if p.ContentType != nil {
					item.Kind = *p.ContentType
				}
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// Fetch downloads one blob into destDir under its base name.
func (c *azureBlobConnector) Fetch(ctx context.Context, identifier, destDir string) (string, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, identifier, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return "", fmt.Errorf("%w: blob %q does not exist", ErrFetch, identifier)
		}
		return "", fmt.Errorf("%w: downloading blob %q: %v", ErrFetch, identifier, err)
	}
	defer resp.Body.Close()

	name := path.Base(identifier)
	f, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return "", fmt.Errorf("%w: writing %q: %v", ErrFetch, name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("%w: writing %q: %v", ErrFetch, name, err)
	}
	return name, nil
}

func (c *azureBlobConnector) Close() {}
