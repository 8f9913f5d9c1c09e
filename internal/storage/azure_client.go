package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// copyPollInterval is how often a pending server-side copy is checked.
const copyPollInterval = 200 * time.Millisecond

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. A connection string
// wins, then a shared account key, then DefaultAzureCredential. Retries are
// disabled so failures surface immediately.
func newRealAzureClient(cfg provider.AzureConfig) (*realAzureClient, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}

	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if cfg.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("creating Azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(cfg.ServiceURL(), cred, opts)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with shared key: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.ServiceURL(), cred, opts)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) Ping(ctx context.Context) error {
	_, err := c.client.ServiceClient().GetProperties(ctx, nil)
	return err
}

func (c *realAzureClient) ListHierarchy(ctx context.Context, containerName, prefix, marker string, maxResults int32) ([]string, []AzureBlob, string, error) {
	cc := c.client.ServiceClient().NewContainerClient(containerName)
	opts := &container.ListBlobsHierarchyOptions{Prefix: &prefix, MaxResults: &maxResults}
	if marker != "" {
		opts.Marker = &marker
	}
	pager := cc.NewListBlobsHierarchyPager("/", opts)
	if !pager.More() {
		return nil, nil, "", nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, nil, "", err
	}

	var prefixes []string
	for _, p := range resp.Segment.BlobPrefixes {
		if p.Name != nil {
			prefixes = append(prefixes, *p.Name)
		}
	}
	blobs := make([]AzureBlob, 0, len(resp.Segment.BlobItems))
	for _, item := range resp.Segment.BlobItems {
		blobs = append(blobs, azureBlobFromItem(item))
	}
	next := ""
	if resp.NextMarker != nil {
		next = *resp.NextMarker
	}
	return prefixes, blobs, next, nil
}

func (c *realAzureClient) ListFlat(ctx context.Context, containerName, prefix, marker string, maxResults int32) ([]AzureBlob, string, error) {
	opts := &azblob.ListBlobsFlatOptions{Prefix: &prefix, MaxResults: &maxResults}
	if marker != "" {
		opts.Marker = &marker
	}
	pager := c.client.NewListBlobsFlatPager(containerName, opts)
	if !pager.More() {
		return nil, "", nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, "", err
	}
	blobs := make([]AzureBlob, 0, len(resp.Segment.BlobItems))
	for _, item := range resp.Segment.BlobItems {
		blobs = append(blobs, azureBlobFromItem(item))
	}
	next := ""
	if resp.NextMarker != nil {
		next = *resp.NextMarker
	}
	return blobs, next, nil
}

func azureBlobFromItem(item *container.BlobItem) AzureBlob {
	b := AzureBlob{}
	if item.Name != nil {
		b.Name = *item.Name
	}
	if p := item.Properties; p != nil {
		if p.ContentLength != nil {
			b.Size = *p.ContentLength
		}
		if p.ContentType != nil {
			b.ContentType = *p.ContentType
		}
		if p.LastModified != nil {
			b.LastModified = *p.LastModified
		}
	}
	return b
}

func (c *realAzureClient) Upload(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error {
	opts := &azblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	_, err := c.client.UploadStream(ctx, containerName, blobName, r, opts)
	return err
}

func (c *realAzureClient) Download(ctx context.Context, containerName, blobName string) (io.ReadCloser, AzureBlob, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, AzureBlob{}, err
	}
	info := AzureBlob{Name: blobName}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	return resp.Body, info, nil
}

// CopyBlob starts a server-side copy and waits for it to leave the pending
// state.
func (c *realAzureClient) CopyBlob(ctx context.Context, containerName, srcBlob, dstBlob string) error {
	cc := c.client.ServiceClient().NewContainerClient(containerName)
	dst := cc.NewBlobClient(dstBlob)
	resp, err := dst.StartCopyFromURL(ctx, cc.NewBlobClient(srcBlob).URL(), nil)
	if err != nil {
		return err
	}
	status := resp.CopyStatus
	ticker := time.NewTicker(copyPollInterval)
	defer ticker.Stop()
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy finished with status %s", *status)
	}
	return nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) CreateContainer(ctx context.Context, containerName string) error {
	_, err := c.client.CreateContainer(ctx, containerName, nil)
	return err
}

func (c *realAzureClient) DeleteContainer(ctx context.Context, containerName string) error {
	_, err := c.client.DeleteContainer(ctx, containerName, nil)
	return err
}

// SASURL requires a shared key credential; token credentials cannot sign.
func (c *realAzureClient) SASURL(containerName, blobName string, expires time.Duration) (string, error) {
	bc := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
	return bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(expires), nil)
}
