// Package s3store adapts resumable tus uploads onto S3 multipart uploads.
// Each client PATCH is split into part-sized files on local disk and uploaded
// as numbered parts; a zero-byte ".info" sidecar object carries the upload
// record. The front end is responsible for serializing PATCHes per upload.
package s3store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/tuskit/s3store/datastore"
	"github.com/tuskit/s3store/internal"
)

var (
	_ datastore.DataStore               = (*Store)(nil)
	_ datastore.LengthDeferrerDataStore = (*Store)(nil)
	_ datastore.TerminaterDataStore     = (*Store)(nil)
	_ datastore.GetReaderDataStore      = (*Store)(nil)
)

// Store implements datastore.DataStore on an S3-compatible bucket.
type Store struct {
	api    ObjectStore
	meta   *metadataStore
	logger log.Logger
	os     internal.OsProxy

	partSize       int64
	maxConcurrency int
	scratchDir     string
}

// New creates a Store. api may be nil, in which case a client is built from
// config; pass a custom implementation for testing or instrumentation.
func New(ctx context.Context, config Config, api ObjectStore, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if api == nil {
		built, err := NewClient(ctx, config, logger)
		if err != nil {
			return nil, err
		}
		api = built
	}

	osProxy := internal.OsProxy(internal.RealOS{})

	scratchRoot := config.ScratchDir
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	scratchDir := filepath.Join(scratchRoot, "s3store-"+datastore.Uid())
	if err := osProxy.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	partSize := config.partSize()
	if partSize < MinPartSize {
		logger.Warnf("Part size %s is below the %s S3 minimum, every non-final chunk will be rejected",
			units.BytesSize(float64(partSize)), units.BytesSize(float64(MinPartSize)))
	}

	return &Store{
		api:            api,
		meta:           newMetadataStore(api, logger),
		logger:         logger,
		os:             osProxy,
		partSize:       partSize,
		maxConcurrency: config.maxConcurrency(),
		scratchDir:     scratchDir,
	}, nil
}

// Extensions names the tus protocol extensions this store supports.
func (s *Store) Extensions() []string {
	return []string{"creation", "creation-with-upload", "creation-defer-length", "termination"}
}

// NewUpload fills in an id and creation date when the caller left them empty,
// then registers the upload.
func (s *Store) NewUpload(ctx context.Context, upload datastore.Upload) (datastore.Upload, error) {
	if upload.ID == "" {
		upload.ID = datastore.Uid()
	}
	if upload.CreationDate == "" {
		upload.CreationDate = time.Now().UTC().Format(time.RFC3339)
	}
	return s.Create(ctx, upload)
}

// Create opens the multipart upload for the record and writes its sidecar.
// The record is returned unchanged. On any failure the cache entry is dropped
// so later reads re-fetch the sidecar.
func (s *Store) Create(ctx context.Context, upload datastore.Upload) (datastore.Upload, error) {
	if err := s.api.BucketExists(ctx); err != nil {
		s.meta.clearCache(upload.ID)
		return upload, fmt.Errorf("check bucket: %w", err)
	}

	parsed := ParseMetadataString(upload.UploadMetadata)

	objectMetadata := map[string]string{"tus_version": TusVersion}
	if upload.UploadLength != nil {
		objectMetadata["upload_length"] = strconv.FormatInt(*upload.UploadLength, 10)
	}
	if upload.UploadDeferLength {
		objectMetadata["upload_defer_length"] = "1"
	}
	if upload.UploadMetadata != "" {
		objectMetadata["upload_metadata"] = toASCII(upload.UploadMetadata)
	}
	if filename, ok := parsed["filename"]; ok && filename.Encoded != "" {
		objectMetadata["original_name"] = filename.Encoded
	}

	contentType := ""
	if ct, ok := parsed["contentType"]; ok && ct.HasValue {
		contentType = toASCII(ct.Decoded)
	}

	uploadID, err := s.api.CreateMultipartUpload(ctx, upload.ID, objectMetadata, contentType)
	if err != nil {
		s.meta.clearCache(upload.ID)
		return upload, fmt.Errorf("create multipart upload: %w", err)
	}

	if err := s.meta.save(ctx, upload, uploadID); err != nil {
		// Without a sidecar the multipart upload is unreachable; abort it so
		// the bucket does not accumulate orphans.
		if abortErr := s.api.AbortMultipartUpload(ctx, upload.ID, uploadID); abortErr != nil {
			s.logger.Warnf("Aborting orphaned multipart upload for %s: %s", upload.ID, abortErr)
		}
		s.meta.clearCache(upload.ID)
		return upload, err
	}

	s.logger.Debugf("Created upload %s (multipart id %s)", upload.ID, uploadID)
	return upload, nil
}

// Write appends one PATCH body to the upload and returns the new offset. When
// the offset reaches the declared length the multipart upload is completed
// and the cache entry dropped. A client disconnect (RequestTimeout) or a
// completed-elsewhere upload (NoSuchUpload) is not an error: whatever parts
// reached S3 count, and the current offset is returned for the client to
// resume from.
func (s *Store) Write(ctx context.Context, src io.Reader, id string) (int64, error) {
	sess, err := s.meta.get(ctx, id)
	if err != nil {
		return 0, err
	}

	parts, err := s.retrieveParts(ctx, id, sess)
	if err != nil {
		return 0, err
	}
	var initialOffset int64
	for _, p := range parts {
		initialOffset += p.Size
	}
	nextPartNumber := int32(len(parts)) + 1

	results, err := s.writeParts(ctx, id, sess, src, nextPartNumber, initialOffset)
	if err != nil {
		if IsRequestTimeout(err) || IsNoSuchUpload(err) {
			s.logger.Warnf("Upload %s interrupted: %s; reporting offset of stored parts", id, err)
			info, offsetErr := s.GetOffset(ctx, id)
			if offsetErr != nil {
				return 0, offsetErr
			}
			return info.Offset, nil
		}
		s.meta.clearCache(id)
		return 0, err
	}

	uploaded, skipped := tallyResults(results)
	s.logger.Debugf("Upload %s: stored %d part(s), rejected %d small chunk(s)", id, uploaded, skipped)

	info, err := s.GetOffset(ctx, id)
	if err != nil {
		return 0, err
	}

	if info.HasLength() && info.Offset == *info.UploadLength && info.Parts != nil {
		location, err := s.api.CompleteMultipartUpload(ctx, id, sess.uploadID, info.Parts)
		if err != nil {
			return 0, fmt.Errorf("complete multipart upload: %w", err)
		}
		s.meta.clearCache(id)
		s.logger.Infof("Upload %s completed at %s (%s)", id, location, units.BytesSize(float64(info.Offset)))
	}

	return info.Offset, nil
}

// GetOffset reports the upload record together with the cumulative size of
// its contiguous parts. Once the multipart upload is gone the upload is
// complete: the offset equals the declared length and Parts is nil.
func (s *Store) GetOffset(ctx context.Context, id string) (datastore.UploadInfo, error) {
	sess, err := s.meta.get(ctx, id)
	if err != nil {
		return datastore.UploadInfo{}, err
	}

	parts, err := s.retrieveParts(ctx, id, sess)
	if err != nil {
		if IsNoSuchUpload(err) {
			info := datastore.UploadInfo{Upload: sess.file}
			if sess.file.HasLength() {
				info.Offset = *sess.file.UploadLength
			}
			return info, nil
		}
		return datastore.UploadInfo{}, err
	}

	info := datastore.UploadInfo{Upload: sess.file, Parts: parts}
	for _, p := range parts {
		info.Offset += p.Size
	}
	return info, nil
}

// DeclareLength records the total size of a deferred-length upload. The
// sidecar write is awaited before returning.
func (s *Store) DeclareLength(ctx context.Context, id string, length int64) error {
	sess, err := s.meta.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.file.ID == "" {
		return fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}

	file := sess.file
	file.UploadLength = &length
	file.UploadDeferLength = false
	return s.meta.save(ctx, file, sess.uploadID)
}

// Terminate aborts the multipart upload and deletes both the sidecar and any
// assembled object.
func (s *Store) Terminate(ctx context.Context, id string) error {
	sess, err := s.meta.get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.api.AbortMultipartUpload(ctx, id, sess.uploadID); err != nil && !IsNoSuchUpload(err) {
		return err
	}
	if err := s.api.DeleteObject(ctx, id+infoSuffix); err != nil {
		return err
	}
	if err := s.api.DeleteObject(ctx, id); err != nil {
		return err
	}
	s.meta.clearCache(id)
	return nil
}

// GetReader streams the assembled object's content.
func (s *Store) GetReader(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.api.GetObject(ctx, id)
}

// CountParts reports how many contiguous parts the upload has stored so far.
func (s *Store) CountParts(ctx context.Context, id string) (int, error) {
	sess, err := s.meta.get(ctx, id)
	if err != nil {
		return 0, err
	}
	parts, err := s.retrieveParts(ctx, id, sess)
	if err != nil {
		return 0, err
	}
	return len(parts), nil
}

// retrieveParts pages through the part listing, then keeps only the
// contiguous prefix 1..N. A trailing gap means a previous PATCH died before
// those parts were flushed; the bytes were never accepted, so the parts after
// the gap do not count toward the offset.
func (s *Store) retrieveParts(ctx context.Context, id string, sess *session) ([]datastore.Part, error) {
	var all []datastore.Part
	var marker *string
	for {
		page, err := s.api.ListParts(ctx, id, sess.uploadID, marker)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Parts...)
		if !page.IsTruncated || page.NextPartNumberMarker == nil {
			break
		}
		marker = page.NextPartNumberMarker
	}

	sort.Slice(all, func(i, j int) bool { return all[i].PartNumber < all[j].PartNumber })

	contiguous := all[:0]
	for i, p := range all {
		if p.PartNumber != int32(i)+1 {
			break
		}
		contiguous = append(contiguous, p)
	}
	return contiguous, nil
}

func tallyResults(results []partResult) (uploaded, skipped int) {
	for _, res := range results {
		switch {
		case res.skipped:
			skipped++
		case res.err == nil:
			uploaded++
		}
	}
	return uploaded, skipped
}
