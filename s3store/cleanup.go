package s3store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tuskit/s3store/internal"
)

// sweepMinAge guards against deleting a chunk file another live store process
// is still uploading.
const sweepMinAge = 24 * time.Hour

// SweepScratch removes chunk files that earlier crashed processes left behind
// under the scratch root. Files younger than sweepMinAge and files belonging
// to this store's own scratch directory are left alone. Returns the number of
// files removed.
func (s *Store) SweepScratch(root string) (int, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(root, "s3store-*", "**", "chunk-*"))
	if err != nil {
		return 0, fmt.Errorf("scan scratch root: %w", err)
	}

	cutoff := time.Now().Add(-sweepMinAge)
	removed := 0
	var errs internal.MultiError
	for _, path := range matches {
		if filepath.Dir(path) == s.scratchDir {
			continue
		}
		stat, err := s.os.Stat(path)
		if err != nil {
			continue
		}
		if stat.ModTime().After(cutoff) {
			continue
		}
		if err := s.os.Remove(path); err != nil {
			internal.AppendErr(&errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Infof("Swept %d leftover chunk file(s) from %s", removed, root)
	}
	if len(errs) > 0 {
		return removed, errs
	}
	return removed, nil
}

// Close removes the store's own scratch directory. Call it when the store is
// no longer needed; uploads in flight lose their chunk files.
func (s *Store) Close() error {
	return s.os.RemoveAll(s.scratchDir)
}
