package s3store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/go-units"
	"github.com/tuskit/s3store/datastore"
	"github.com/tuskit/s3store/s3store/splitter"
)

// partResult is the outcome of one chunk emitted by the splitter. Exactly one
// of part, skipped, or err is meaningful.
type partResult struct {
	part    datastore.Part
	skipped bool
	err     error
}

// writeParts drives a single PATCH body through the splitter and uploads each
// eligible chunk file as an S3 part. Part numbers are assigned in the order
// chunks finish; uploads themselves run concurrently behind a semaphore.
// Returns once every in-flight upload settled.
func (s *Store) writeParts(ctx context.Context, id string, sess *session, src io.Reader, nextPartNumber int32, currentSize int64) ([]partResult, error) {
	spl := splitter.New(splitter.Config{
		MaxChunkSize: s.partSize,
		Dir:          s.scratchDir,
		Os:           s.os,
		Logger:       s.logger,
	})

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, s.maxConcurrency)
		results []*partResult
		pending string
		srcErr  error
	)

	for ev := range spl.Split(src) {
		switch ev.Kind {
		case splitter.ChunkStarted:
			pending = ev.Path

		case splitter.ChunkFinished:
			pending = ""
			currentSize += ev.Size
			partNumber := nextPartNumber
			nextPartNumber++

			final := sess.file.HasLength() && currentSize == *sess.file.UploadLength
			res := &partResult{}
			results = append(results, res)

			if !final && ev.Size < MinPartSize {
				// Non-final chunk below the S3 floor: reject the bytes, the
				// client re-sends them in a later PATCH.
				s.logger.Warnf("Upload %s: dropping %s chunk, below the %s part minimum",
					id, units.BytesSize(float64(ev.Size)), units.BytesSize(float64(MinPartSize)))
				if err := s.os.Remove(ev.Path); err != nil {
					s.logger.Warnf("Removing rejected chunk file %s: %s", ev.Path, err)
				}
				res.skipped = true
				continue
			}

			wg.Add(1)
			go func(path string, size int64, partNumber int32, res *partResult) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				defer func() {
					if err := s.os.Remove(path); err != nil {
						s.logger.Warnf("Removing chunk file %s: %s", path, err)
					}
				}()

				etag, err := s.uploadPartFromFile(ctx, id, sess.uploadID, partNumber, path)
				if err != nil {
					res.err = err
					return
				}
				res.part = datastore.Part{PartNumber: partNumber, Size: size, ETag: etag}
				s.logger.Debugf("Upload %s: part %d stored (%s)", id, partNumber, units.BytesSize(float64(size)))
			}(ev.Path, ev.Size, partNumber, res)

		case splitter.Error:
			srcErr = ev.Err
			if pending != "" {
				if err := s.os.Remove(pending); err != nil {
					s.logger.Warnf("Removing pending chunk file %s: %s", pending, err)
				}
				pending = ""
			}

		case splitter.Done:
		}
	}

	wg.Wait()

	collected := make([]partResult, len(results))
	for i, res := range results {
		collected[i] = *res
	}

	if srcErr != nil {
		return collected, srcErr
	}
	for _, res := range collected {
		if res.err != nil {
			return collected, res.err
		}
	}
	return collected, nil
}

func (s *Store) uploadPartFromFile(ctx context.Context, id, uploadID string, partNumber int32, path string) (string, error) {
	file, err := s.os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open chunk file %s: %w", path, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			s.logger.Warnf("Closing chunk file %s: %s", path, err)
		}
	}()

	return s.api.UploadPart(ctx, id, uploadID, partNumber, file)
}
