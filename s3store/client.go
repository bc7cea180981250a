package s3store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tuskit/s3store/datastore"
)

const numRequestRetries = 3
const requestRetryWait = 5 * time.Second

type client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   log.Logger
}

// NewClient builds the production ObjectStore on the AWS SDK. A custom
// endpoint switches the client to path-style addressing, which is what
// S3-compatible providers expect.
func NewClient(ctx context.Context, config Config, logger log.Logger) (ObjectStore, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			string(config.AccessKeyID), string(config.SecretAccessKey), "")),
	}
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &client{
		s3:       s3Client,
		uploader: manager.NewUploader(s3Client),
		bucket:   config.Bucket,
		logger:   logger,
	}, nil
}

func (c *client) BucketExists(ctx context.Context) error {
	return retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(c.bucket),
		})
		if err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("bucket %q: %w", c.bucket, ErrBucketMissing), true
			}
			return fmt.Errorf("head bucket: %w", err), false
		}
		return nil, true
	})
}

func (c *client) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	var uploadID string
	err := retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := c.s3.CreateMultipartUpload(ctx, input)
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	return uploadID, err
}

func (c *client) PutObject(ctx context.Context, key string, body io.ReadSeeker, metadata map[string]string) error {
	return retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind body: %w", err), true
		}
		_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			Body:     body,
			Metadata: metadata,
		})
		if err != nil {
			return fmt.Errorf("put object: %w", err), false
		}
		return nil, true
	})
}

func (c *client) HeadObject(ctx context.Context, key string) (map[string]string, error) {
	var metadata map[string]string
	err := retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("object %q: %w", key, ErrNotFound), true
			}
			return fmt.Errorf("head object: %w", err), false
		}
		metadata = out.Metadata
		return nil, true
	})
	return metadata, err
}

func (c *client) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker) (string, error) {
	var etag string
	err := retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind part body: %w", err), true
		}
		out, err := c.s3.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(c.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       body,
		})
		if err != nil {
			if IsNoSuchUpload(err) || IsRequestTimeout(err) {
				return fmt.Errorf("upload part %d: %w", partNumber, err), true
			}
			return fmt.Errorf("upload part %d: %w", partNumber, err), false
		}
		etag = aws.ToString(out.ETag)
		return nil, true
	})
	return etag, err
}

func (c *client) ListParts(ctx context.Context, key, uploadID string, marker *string) (ListPartsPage, error) {
	var page ListPartsPage
	err := retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := c.s3.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if IsNoSuchUpload(err) {
				return fmt.Errorf("list parts: %w", err), true
			}
			return fmt.Errorf("list parts: %w", err), false
		}

		parts := make([]datastore.Part, 0, len(out.Parts))
		for _, p := range out.Parts {
			parts = append(parts, datastore.Part{
				PartNumber: aws.ToInt32(p.PartNumber),
				Size:       aws.ToInt64(p.Size),
				ETag:       aws.ToString(p.ETag),
			})
		}
		page = ListPartsPage{
			Parts:                parts,
			NextPartNumberMarker: out.NextPartNumberMarker,
			IsTruncated:          aws.ToBool(out.IsTruncated),
		}
		return nil, true
	})
	return page, err
}

func (c *client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []datastore.Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	var location string
	err := retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := c.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		if err != nil {
			if IsNoSuchUpload(err) {
				return fmt.Errorf("complete multipart upload: %w", err), true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		location = aws.ToString(out.Location)
		return nil, true
	})
	return location, err
}

func (c *client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			if IsNoSuchUpload(err) {
				return fmt.Errorf("abort multipart upload: %w", err), true
			}
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return nil, true
	})
}

func (c *client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

func (c *client) DeleteObject(ctx context.Context, key string) error {
	return retry.Times(numRequestRetries).Wait(requestRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object: %w", err), false
		}
		return nil, true
	})
}
