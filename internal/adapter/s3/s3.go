// Package s3 implements the reference object-store adapter against AWS S3 and
// S3-compatible services (MinIO, DigitalOcean Spaces, Wasabi, ...). The key
// space is flat, so folders are emulated: listings group keys on the "/"
// delimiter and CreateFolder writes a zero-byte marker whose key ends in "/".
//
// Credentials are per adapter configuration: a static key pair, optionally
// exchanged for a role via STS AssumeRole for cross-account buckets.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/pkg/checksum"
)

// Type is the registry tag for this adapter.
const Type = "objectstore"

const folderContentType = "application/x-directory"

const configSchema = `{
	"type": "object",
	"properties": {
		"endpoint": {"type": "string", "format": "uri"},
		"forcePathStyle": {"type": "boolean"}
	},
	"additionalProperties": false
}`

func init() {
	adapter.Register(adapter.Descriptor{
		Type:                Type,
		Label:               "Amazon S3",
		Description:         "Connect to Amazon S3 or any S3-compatible object store",
		RequiredCredentials: []string{"accessKeyId", "secretAccessKey", "bucketName", "region"},
		Implemented:         true,
		ConfigSchema:        configSchema,
		New:                 fromCredentials,
	})
}

// Options configures one adapter instance.
type Options struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Bucket          string
	Region          string

	// RoleARN, when set, is assumed with the static keys as source credentials
	RoleARN    string
	ExternalID string

	// Endpoint targets an S3-compatible service; path-style addressing is
	// used whenever it is set or ForcePathStyle is true
	Endpoint       string
	ForcePathStyle bool
}

func fromCredentials(ctx context.Context, creds adapter.Credentials, cfg map[string]any) (adapter.Adapter, error) {
	opts := Options{
		AccessKeyID:     creds["accessKeyId"],
		SecretAccessKey: creds["secretAccessKey"],
		SessionToken:    creds["sessionToken"],
		Bucket:          creds["bucketName"],
		Region:          creds["region"],
		RoleARN:         creds["roleArn"],
		ExternalID:      creds["externalId"],
	}
	if v, ok := cfg["endpoint"].(string); ok {
		opts.Endpoint = v
	}
	if v, ok := cfg["forcePathStyle"].(bool); ok {
		opts.ForcePathStyle = v
	}
	return New(ctx, opts)
}

// Adapter talks to a single bucket.
type Adapter struct {
	client *s3.Client
	bucket string
}

// New builds an adapter. No request is sent; connectivity is checked by the
// caller with a root listing.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, fmt.Errorf("accessKeyId and secretAccessKey are required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		),
		// The gateway never retries; one attempt per invocation.
		config.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if opts.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		var assumeRoleOpts []func(*stscreds.AssumeRoleOptions)
		if opts.ExternalID != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(opts.ExternalID)
			})
		}
		provider := stscreds.NewAssumeRoleProvider(stsClient, opts.RoleARN, assumeRoleOpts...)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
		// Many S3-compatible services reject the newer default checksum headers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Adapter{client: client, bucket: opts.Bucket}, nil
}

// ListFiles lists the immediate children of prefix.
func (a *Adapter) ListFiles(ctx context.Context, prefix string) (*adapter.Listing, error) {
	prefix, err := adapter.CleanPrefix("list", prefix)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(adapter.Delimiter),
	})

	var objects []adapter.Object
	var commonPrefixes []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		for _, obj := range page.Contents {
			o := adapter.Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: trimETag(obj.ETag),
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
		for _, cp := range page.CommonPrefixes {
			commonPrefixes = append(commonPrefixes, aws.ToString(cp.Prefix))
		}
	}

	return adapter.GroupKeys(prefix, objects, commonPrefixes), nil
}

// UploadFile stores content at path. The body is buffered so the SHA-256
// checksum can be recorded in object metadata.
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

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	out, err := a.client.PutObject(ctx, input)
	if err != nil {
		return nil, classify("upload", key, err)
	}

	return &adapter.UploadReceipt{
		Path:        key,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		ETag:        trimETag(out.ETag),
		Checksum:    sum,
	}, nil
}

// DownloadFile opens the object at path.
func (a *Adapter) DownloadFile(ctx context.Context, path string) (*adapter.Download, error) {
	key, err := adapter.CleanKey("download", path)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("download", key, err)
	}

	return &adapter.Download{
		Body: out.Body,
		Info: fileInfo(key, aws.ToInt64(out.ContentLength), out.ContentType, out.LastModified, out.ETag, out.Metadata),
	}, nil
}

// DeleteFile removes the object at path. Deleting an absent key succeeds, as
// it does on S3 itself.
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	key, err := adapter.CleanKey("delete", path)
	if err != nil {
		return err
	}

	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete", key, err)
	}
	return nil
}

// CreateFolder writes a zero-byte directory marker.
func (a *Adapter) CreateFolder(ctx context.Context, path string) error {
	key, err := adapter.FolderKey("create_folder", path)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(folderContentType),
	})
	if err != nil {
		return classify("create_folder", key, err)
	}
	return nil
}

// GetFileInfo returns object metadata without the body.
func (a *Adapter) GetFileInfo(ctx context.Context, path string) (*adapter.FileInfo, error) {
	key, err := adapter.CleanKey("info", path)
	if err != nil {
		return nil, err
	}

	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("info", key, err)
	}

	info := fileInfo(key, aws.ToInt64(out.ContentLength), out.ContentType, out.LastModified, out.ETag, out.Metadata)
	return &info, nil
}

// CopyFile performs a server-side copy.
func (a *Adapter) CopyFile(ctx context.Context, src, dst string) error {
	srcKey, err := adapter.CleanKey("copy", src)
	if err != nil {
		return err
	}
	dstKey, err := adapter.CleanKey("copy", dst)
	if err != nil {
		return err
	}

	_, err = a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(a.bucket, srcKey)),
	})
	if err != nil {
		return classify("copy", srcKey, err)
	}
	return nil
}

// MoveFile copies src to dst and then deletes src. S3 has no rename, so a
// failed delete leaves the object at both paths and yields PartialMoveError.
func (a *Adapter) MoveFile(ctx context.Context, src, dst string) error {
	if err := a.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	if err := a.DeleteFile(ctx, src); err != nil {
		return &adapter.PartialMoveError{Source: src, Destination: dst, Err: err}
	}
	return nil
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func fileInfo(key string, size int64, contentType *string, lastModified *time.Time, etag *string, meta map[string]string) adapter.FileInfo {
	info := adapter.FileInfo{
		Name:        adapter.BaseName(key),
		Path:        key,
		Size:        size,
		ContentType: aws.ToString(contentType),
		ETag:        trimETag(etag),
		Metadata:    meta,
	}
	if lastModified != nil {
		mod := *lastModified
		info.LastModified = &mod
	}
	return info
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

// classify maps SDK errors onto the adapter failure classes.
func classify(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return adapter.NotFound(op, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return adapter.NotFound(op, key)
		case "NoSuchBucket":
			return adapter.ConnectionFailure(op, key, err)
		}
	}

	// HeadObject 404s carry no body, so only the status code identifies them.
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return adapter.NotFound(op, key)
	}

	return adapter.ConnectionFailure(op, key, err)
}
