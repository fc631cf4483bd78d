// Package gcs implements the Google Cloud Storage adapter. Authentication
// uses a service account JSON key supplied with the adapter credentials.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/pkg/checksum"
)

// Type is the registry tag for this adapter.
const Type = "google-cloud"

const folderContentType = "application/x-directory"

func init() {
	adapter.Register(adapter.Descriptor{
		Type:                Type,
		Label:               "Google Cloud Storage",
		Description:         "Connect to a Google Cloud Storage bucket",
		RequiredCredentials: []string{"projectId", "serviceAccountJson", "bucketName"},
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
	// ProjectID is kept for display and audit; objects are addressed by bucket.
	ProjectID          string
	ServiceAccountJSON string
	Bucket             string
	// Endpoint points the client at an emulator. Without a key the client
	// then runs unauthenticated.
	Endpoint string
}

func fromCredentials(ctx context.Context, creds adapter.Credentials, cfg map[string]any) (adapter.Adapter, error) {
	opts := Options{
		ProjectID:          creds["projectId"],
		ServiceAccountJSON: creds["serviceAccountJson"],
		Bucket:             creds["bucketName"],
	}
	if v, ok := cfg["endpoint"].(string); ok {
		opts.Endpoint = v
	}
	return New(ctx, opts)
}

// Adapter talks to a single bucket.
type Adapter struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// New creates a storage client for the bucket.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	switch {
	case opts.ServiceAccountJSON != "":
		var key struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(opts.ServiceAccountJSON), &key); err != nil {
			return nil, fmt.Errorf("serviceAccountJson is not valid JSON: %w", err)
		}
		if key.Type != "service_account" {
			return nil, fmt.Errorf("serviceAccountJson must be a service account key, got type %q", key.Type)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.ServiceAccountJSON)))
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	default:
		return nil, fmt.Errorf("serviceAccountJson is required")
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &Adapter{client: client, bucket: opts.Bucket, projectID: opts.ProjectID}, nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) object(key string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(key)
}

// ListFiles lists the immediate children of prefix.
func (a *Adapter) ListFiles(ctx context.Context, prefix string) (*adapter.Listing, error) {
	prefix, err := adapter.CleanPrefix("list", prefix)
	if err != nil {
		return nil, err
	}

	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: adapter.Delimiter,
	})

	var objects []adapter.Object
	var commonPrefixes []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		if attrs.Prefix != "" {
			commonPrefixes = append(commonPrefixes, attrs.Prefix)
			continue
		}
		objects = append(objects, adapter.Object{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			ETag:         attrs.Etag,
		})
	}

	return adapter.GroupKeys(prefix, objects, commonPrefixes), nil
}

// UploadFile writes content and records its sha256 in object metadata.
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

	metadata := make(map[string]string, len(meta.Custom)+1)
	for k, v := range meta.Custom {
		metadata[k] = v
	}
	metadata["sha256"] = sum

	w := a.object(key).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = metadata

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, classify("upload", key, err)
	}
	if err := w.Close(); err != nil {
		return nil, classify("upload", key, err)
	}

	receipt := &adapter.UploadReceipt{
		Path:        key,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		Checksum:    sum,
	}
	if attrs := w.Attrs(); attrs != nil {
		receipt.ETag = attrs.Etag
	}
	return receipt, nil
}

// DownloadFile streams an object.
func (a *Adapter) DownloadFile(ctx context.Context, path string) (*adapter.Download, error) {
	key, err := adapter.CleanKey("download", path)
	if err != nil {
		return nil, err
	}

	r, err := a.object(key).NewReader(ctx)
	if err != nil {
		return nil, classify("download", key, err)
	}

	info := adapter.FileInfo{
		Name:        adapter.BaseName(key),
		Path:        key,
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
	}
	if !r.Attrs.LastModified.IsZero() {
		mod := r.Attrs.LastModified
		info.LastModified = &mod
	}
	return &adapter.Download{Body: r, Info: info}, nil
}

// DeleteFile removes an object. A missing object counts as deleted.
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	key, err := adapter.CleanKey("delete", path)
	if err != nil {
		return err
	}

	if err := a.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

// CreateFolder writes a zero-byte marker object.
func (a *Adapter) CreateFolder(ctx context.Context, path string) error {
	key, err := adapter.FolderKey("create_folder", path)
	if err != nil {
		return err
	}

	w := a.object(key).NewWriter(ctx)
	w.ContentType = folderContentType
	if err := w.Close(); err != nil {
		return classify("create_folder", key, err)
	}
	return nil
}

// GetFileInfo returns object attributes.
func (a *Adapter) GetFileInfo(ctx context.Context, path string) (*adapter.FileInfo, error) {
	key, err := adapter.CleanKey("info", path)
	if err != nil {
		return nil, err
	}

	attrs, err := a.object(key).Attrs(ctx)
	if err != nil {
		return nil, classify("info", key, err)
	}

	info := &adapter.FileInfo{
		Name:        adapter.BaseName(key),
		Path:        key,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		ETag:        attrs.Etag,
		Metadata:    attrs.Metadata,
	}
	if !attrs.Updated.IsZero() {
		mod := attrs.Updated
		info.LastModified = &mod
	}
	return info, nil
}

// CopyFile performs a server-side rewrite.
func (a *Adapter) CopyFile(ctx context.Context, src, dst string) error {
	srcKey, err := adapter.CleanKey("copy", src)
	if err != nil {
		return err
	}
	dstKey, err := adapter.CleanKey("copy", dst)
	if err != nil {
		return err
	}

	if _, err := a.object(dstKey).CopierFrom(a.object(srcKey)).Run(ctx); err != nil {
		return classify("copy", srcKey, err)
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

func classify(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return adapter.NotFound(op, key)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound &&
		!strings.Contains(strings.ToLower(apiErr.Message), "bucket") {
		return adapter.NotFound(op, key)
	}
	return adapter.ConnectionFailure(op, key, err)
}
