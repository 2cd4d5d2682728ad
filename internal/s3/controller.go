// Package s3 talks to S3-compatible object stores for cloud vaults. All
// requests are SigV4-signed; objects carry the vault crypto metadata under
// x-amz-meta-* headers so any consumer can decrypt what it fetched.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// Object metadata keys; the SDK prefixes them with x-amz-meta- on the wire.
const (
	MetaEncrypted   = "vh-encrypted"
	MetaIV          = "vh-iv"
	MetaKeyVersion  = "vh-key-version"
	MetaContentHash = "content-hash"
)

// MinPartSize is the multipart threshold; smaller objects go single-PUT.
const MinPartSize = 8 << 20

var (
	// ErrRemoteUnavailable covers transport failures and 5xx responses; the
	// per-op task fails and the next sync retries.
	ErrRemoteUnavailable = errors.New("s3: remote unavailable")
	// ErrRemoteAuthFailure covers 4xx SigV4 rejections; the event fails and
	// the operator must fix credentials.
	ErrRemoteAuthFailure = errors.New("s3: authentication failure")
	// ErrObjectNotFound is the mapped NoSuchKey / 404.
	ErrObjectNotFound = errors.New("s3: object not found")
)

// ObjectInfo is one listing row.
type ObjectInfo struct {
	Key          string
	SizeBytes    uint64
	LastModified time.Time
	ETag         string
}

// HeadInfo is the metadata view of one object.
type HeadInfo struct {
	SizeBytes    uint64
	LastModified time.Time
	Metadata     map[string]string
}

// Controller owns one bucket's object I/O.
type Controller struct {
	client  *awss3.Client
	bucket  string
	limiter *rate.Limiter
	log     *logging.Logger
}

// NewController builds a client from an APIKey row. Custom endpoints use
// path-style addressing, as S3-compatible stores expect.
func NewController(ctx context.Context, key *types.APIKey, bucket string, log *logging.Logger) (*Controller, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(key.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key.AccessKey, key.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if key.Endpoint != "" {
			o.BaseEndpoint = aws.String(key.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Controller{
		client: client,
		bucket: bucket,
		// Generous ceiling; protects small S3-compatible stores from bursty
		// sync plans.
		limiter: rate.NewLimiter(rate.Limit(200), 400),
		log:     log,
	}, nil
}

// NewControllerWithClient injects a prebuilt client; used by tests.
func NewControllerWithClient(client *awss3.Client, bucket string, log *logging.Logger) *Controller {
	return &Controller{
		client:  client,
		bucket:  bucket,
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     log,
	}
}

// Bucket returns the bound bucket name.
func (c *Controller) Bucket() string { return c.bucket }

func (c *Controller) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// UploadObject PUTs a small object with metadata in one request.
func (c *Controller) UploadObject(ctx context.Context, key string, body []byte, meta map[string]string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: meta,
	})
	return classify(err)
}

// UploadLargeObject streams r through an explicit multipart upload, aborting
// on any part failure.
func (c *Controller) UploadLargeObject(ctx context.Context, key string, r io.Reader, meta map[string]string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	create, err := c.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Metadata: meta,
	})
	if err != nil {
		return classify(err)
	}
	uploadID := create.UploadId

	var completed []s3types.CompletedPart
	buf := make([]byte, MinPartSize)
	var partNum int32
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			partNum++
			if err := c.wait(ctx); err != nil {
				c.abort(ctx, key, uploadID)
				return err
			}
			part, err := c.client.UploadPart(ctx, &awss3.UploadPartInput{
				Bucket:     aws.String(c.bucket),
				Key:        aws.String(key),
				UploadId:   uploadID,
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(buf[:n]),
			})
			if err != nil {
				c.abort(ctx, key, uploadID)
				return classify(err)
			}
			completed = append(completed, s3types.CompletedPart{
				ETag:       part.ETag,
				PartNumber: aws.Int32(partNum),
			})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			c.abort(ctx, key, uploadID)
			return fmt.Errorf("read part: %w", readErr)
		}
	}

	_, err = c.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		c.abort(ctx, key, uploadID)
		return classify(err)
	}
	return nil
}

func (c *Controller) abort(ctx context.Context, key string, uploadID *string) {
	_, err := c.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		c.log.WithSubsystem().WithError(err).WithField("key", key).
			Warn("failed to abort multipart upload")
	}
}

// Upload picks single-PUT or multipart by size.
func (c *Controller) Upload(ctx context.Context, key string, body []byte, meta map[string]string) error {
	if len(body) < MinPartSize {
		return c.UploadObject(ctx, key, body, meta)
	}
	return c.UploadLargeObject(ctx, key, bytes.NewReader(body), meta)
}

// DownloadToBuffer GETs the whole object and its metadata.
func (c *Controller) DownloadToBuffer(ctx context.Context, key string) ([]byte, *HeadInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", ErrRemoteUnavailable, err)
	}
	head := &HeadInfo{
		SizeBytes: uint64(len(body)),
		Metadata:  out.Metadata,
	}
	if out.LastModified != nil {
		head.LastModified = *out.LastModified
	}
	return body, head, nil
}

// HeadObject fetches size, mtime and metadata without the body.
func (c *Controller) HeadObject(ctx context.Context, key string) (*HeadInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err)
	}
	head := &HeadInfo{Metadata: out.Metadata}
	if out.ContentLength != nil {
		head.SizeBytes = uint64(*out.ContentLength)
	}
	if out.LastModified != nil {
		head.LastModified = *out.LastModified
	}
	return head, nil
}

// DeleteObject removes one object; deleting a missing key is not an error.
func (c *Controller) DeleteObject(ctx context.Context, key string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err := classify(err); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return err
	}
	return nil
}

// ListObjects pages through the bucket under prefix.
func (c *Controller) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := awss3.NewListObjectsV2Paginator(c.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.SizeBytes = uint64(*obj.Size)
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if obj.ETag != nil {
				info.ETag = *obj.ETag
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// UpdateMetadata reposts an object's metadata via a self-copy so the remote
// record matches what the local engine last saw.
func (c *Controller) UpdateMetadata(ctx context.Context, key string, meta map[string]string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(c.bucket + "/" + key),
		Metadata:          meta,
		MetadataDirective: s3types.MetadataDirectiveReplace,
	})
	return classify(err)
}

// classify maps SDK errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 404:
			return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		case status == 401 || status == 403:
			return fmt.Errorf("%w: %v", ErrRemoteAuthFailure, err)
		case status >= 500:
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %v", ErrRemoteAuthFailure, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}
