package s3store

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrBucketMissing is returned by Create when the configured bucket does not
// exist.
var ErrBucketMissing = errors.New("bucket does not exist")

// ErrNotFound is returned when an upload's sidecar object is absent.
var ErrNotFound = errors.New("upload not found")

// IsNotFound reports whether err is a missing-object condition, either our
// sentinel or an S3 404.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	return hasErrorCode(err, "NotFound", "404")
}

// IsNoSuchUpload reports whether err means the multipart upload no longer
// exists, which happens once it has been completed or aborted.
func IsNoSuchUpload(err error) bool {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return true
	}
	return hasErrorCode(err, "NoSuchUpload")
}

// IsRequestTimeout reports whether err is S3 closing the connection before the
// request body finished, the signature of a client that went away mid-PATCH.
func IsRequestTimeout(err error) bool {
	return hasErrorCode(err, "RequestTimeout")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
