package s3store

import (
	"context"
	"io"

	"github.com/tuskit/s3store/datastore"
)

// ListPartsPage is one page of a multipart upload's part listing.
type ListPartsPage struct {
	Parts                []datastore.Part
	NextPartNumberMarker *string
	IsTruncated          bool
}

// ObjectStore is the typed facade over the object-store operations the store
// performs. The production implementation wraps the AWS SDK; tests substitute
// an in-memory fake.
type ObjectStore interface {
	// BucketExists fails with ErrBucketMissing when the configured bucket is
	// absent; any other transport error is surfaced verbatim.
	BucketExists(ctx context.Context) error
	// CreateMultipartUpload opens a multipart upload for key and returns its
	// upload id. contentType may be empty.
	CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string, contentType string) (string, error)
	// PutObject writes a whole object. Only sidecars go through here, so the
	// body is typically empty. The body must be re-readable for retries.
	PutObject(ctx context.Context, key string, body io.ReadSeeker, metadata map[string]string) error
	// HeadObject returns the object's user-metadata map. A missing object
	// yields an error wrapping ErrNotFound.
	HeadObject(ctx context.Context, key string) (map[string]string, error)
	// UploadPart stores one part and returns its ETag. The body must be
	// re-readable for retries.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker) (string, error)
	// ListParts returns one page of uploaded parts, starting after marker.
	ListParts(ctx context.Context, key, uploadID string, marker *string) (ListPartsPage, error)
	// CompleteMultipartUpload assembles the object from parts and returns its
	// location.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []datastore.Part) (string, error)
	// AbortMultipartUpload discards an open multipart upload and its parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	// GetObject streams an object's content.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	// DeleteObject removes an object; deleting a missing object succeeds.
	DeleteObject(ctx context.Context, key string) error
}
