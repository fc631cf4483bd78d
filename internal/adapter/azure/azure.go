// Package azure implements the Azure Blob Storage adapter. Containers are a
// flat namespace like S3, so folders are emulated with "/"-delimited
// hierarchy listings and zero-byte marker blobs.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/pkg/checksum"
)

// Type is the registry tag for this adapter.
const Type = "azure-blob"

const (
	folderContentType = "application/x-directory"
	copyPollInterval  = 200 * time.Millisecond
)

func init() {
	adapter.Register(adapter.Descriptor{
		Type:                Type,
		Label:               "Azure Blob Storage",
		Description:         "Connect to an Azure Blob Storage container",
		RequiredCredentials: []string{"accountName", "accountKey", "containerName"},
		Implemented:         true,
		ConfigSchema: `{
			"type": "object",
			"properties": {"endpoint": {"type": "string", "format": "uri"}},
			"additionalProperties": false
		}`,
		New: fromCredentials,
	})
}

// Options configures one adapter instance.
type Options struct {
	AccountName string
	AccountKey  string
	Container   string
	// Endpoint overrides the service URL (Azurite, sovereign clouds)
	Endpoint string
}

func fromCredentials(_ context.Context, creds adapter.Credentials, cfg map[string]any) (adapter.Adapter, error) {
	opts := Options{
		AccountName: creds["accountName"],
		AccountKey:  creds["accountKey"],
		Container:   creds["containerName"],
	}
	if v, ok := cfg["endpoint"].(string); ok {
		opts.Endpoint = v
	}
	return New(opts)
}

// Adapter talks to a single container.
type Adapter struct {
	container *container.Client
}

// New builds an adapter authenticated with the account's shared key.
func New(opts Options) (*Adapter, error) {
	if opts.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if opts.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if opts.Container == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := opts.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, &azblob.ClientOptions{
		ClientOptions: policy.ClientOptions{
			// One attempt per gateway invocation.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return NewFromClient(client, opts.Container), nil
}

// NewFromClient wraps an existing service client.
func NewFromClient(client *azblob.Client, containerName string) *Adapter {
	return &Adapter{container: client.ServiceClient().NewContainerClient(containerName)}
}

// ListFiles lists the immediate children of prefix.
func (a *Adapter) ListFiles(ctx context.Context, prefix string) (*adapter.Listing, error) {
	prefix, err := adapter.CleanPrefix("list", prefix)
	if err != nil {
		return nil, err
	}

	opts := &container.ListBlobsHierarchyOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := a.container.NewListBlobsHierarchyPager(adapter.Delimiter, opts)

	var objects []adapter.Object
	var commonPrefixes []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			obj := adapter.Object{Key: *item.Name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					obj.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					obj.LastModified = *p.LastModified
				}
				if p.ETag != nil {
					obj.ETag = string(*p.ETag)
				}
			}
			objects = append(objects, obj)
		}
		for _, bp := range page.Segment.BlobPrefixes {
			if bp.Name != nil {
				commonPrefixes = append(commonPrefixes, *bp.Name)
			}
		}
	}

	return adapter.GroupKeys(prefix, objects, commonPrefixes), nil
}

// UploadFile stores content as a block blob.
func (a *Adapter) UploadFile(ctx context.Context, path string, content io.Reader, meta adapter.Metadata) (*adapter.UploadReceipt, error) {
	key, err := adapter.CleanKey("upload", path)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}
	sum := checksum.SHA256Bytes(data)

	metadata := make(map[string]*string, len(meta.Custom)+1)
	for k, v := range meta.Custom {
		metadata[k] = &v
	}
	metadata["sha256"] = &sum

	opts := &blockblob.UploadOptions{Metadata: metadata}
	if meta.ContentType != "" {
		ct := meta.ContentType
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}

	resp, err := a.container.NewBlockBlobClient(key).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts)
	if err != nil {
		return nil, classify("upload", key, err)
	}

	return &adapter.UploadReceipt{
		Path:        key,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		ETag:        etag(resp.ETag),
		Checksum:    sum,
	}, nil
}

// DownloadFile streams a blob.
func (a *Adapter) DownloadFile(ctx context.Context, path string) (*adapter.Download, error) {
	key, err := adapter.CleanKey("download", path)
	if err != nil {
		return nil, err
	}

	resp, err := a.container.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, classify("download", key, err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &adapter.Download{
		Body: resp.Body,
		Info: fileInfo(key, size, resp.ContentType, resp.LastModified, resp.ETag, resp.Metadata),
	}, nil
}

// DeleteFile removes a blob. A blob that is already gone counts as deleted.
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	key, err := adapter.CleanKey("delete", path)
	if err != nil {
		return err
	}

	if _, err := a.container.NewBlobClient(key).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

// CreateFolder writes a zero-byte marker blob.
func (a *Adapter) CreateFolder(ctx context.Context, path string) error {
	key, err := adapter.FolderKey("create_folder", path)
	if err != nil {
		return err
	}

	ct := folderContentType
	_, err = a.container.NewBlockBlobClient(key).Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), &blockblob.UploadOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return classify("create_folder", key, err)
	}
	return nil
}

// GetFileInfo returns blob properties.
func (a *Adapter) GetFileInfo(ctx context.Context, path string) (*adapter.FileInfo, error) {
	key, err := adapter.CleanKey("info", path)
	if err != nil {
		return nil, err
	}

	props, err := a.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, classify("info", key, err)
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	info := fileInfo(key, size, props.ContentType, props.LastModified, props.ETag, props.Metadata)
	return &info, nil
}

// CopyFile starts a server-side copy and waits for it to finish.
func (a *Adapter) CopyFile(ctx context.Context, src, dst string) error {
	srcKey, err := adapter.CleanKey("copy", src)
	if err != nil {
		return err
	}
	dstKey, err := adapter.CleanKey("copy", dst)
	if err != nil {
		return err
	}

	srcURL := a.container.NewBlobClient(srcKey).URL()
	dstClient := a.container.NewBlobClient(dstKey)

	resp, err := dstClient.StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return classify("copy", srcKey, err)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return adapter.ConnectionFailure("copy", srcKey, ctx.Err())
		case <-time.After(copyPollInterval):
		}
		props, err := dstClient.GetProperties(ctx, nil)
		if err != nil {
			return classify("copy", dstKey, err)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return adapter.ConnectionFailure("copy", srcKey, fmt.Errorf("copy finished with status %s", *status))
	}
	return nil
}

// MoveFile copies then deletes; a failed delete yields PartialMoveError.
func (a *Adapter) MoveFile(ctx context.Context, src, dst string) error {
	if err := a.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	if err := a.DeleteFile(ctx, src); err != nil {
		return &adapter.PartialMoveError{Source: src, Destination: dst, Err: err}
	}
	return nil
}

func fileInfo(key string, size int64, contentType *string, lastModified *time.Time, tag *azcore.ETag, meta map[string]*string) adapter.FileInfo {
	info := adapter.FileInfo{
		Name: adapter.BaseName(key),
		Path: key,
		Size: size,
		ETag: etag(tag),
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	if lastModified != nil {
		mod := *lastModified
		info.LastModified = &mod
	}
	if len(meta) > 0 {
		// metadata names are case-insensitive and come back canonicalized
		info.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if v != nil {
				info.Metadata[strings.ToLower(k)] = *v
			}
		}
	}
	return info
}

func etag(tag *azcore.ETag) string {
	if tag == nil {
		return ""
	}
	return string(*tag)
}

func classify(op, key string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.CannotVerifyCopySource) {
		return adapter.NotFound(op, key)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound &&
		respErr.ErrorCode != string(bloberror.ContainerNotFound) {
		return adapter.NotFound(op, key)
	}
	return adapter.ConnectionFailure(op, key, err)
}
