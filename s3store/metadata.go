package s3store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/tuskit/s3store/datastore"
)

const infoSuffix = ".info"

// TusVersion is the protocol version recorded in every sidecar.
const TusVersion = "1.0.0"

// session is the cached view of one upload: the sidecar record plus the S3
// multipart upload id it maps to.
type session struct {
	file       datastore.Upload
	uploadID   string
	tusVersion string
}

// metadataStore persists upload records as zero-byte sidecar objects and
// caches them in memory. The cache is shared by every operation on the store,
// so all access goes through the mutex.
type metadataStore struct {
	api    ObjectStore
	logger log.Logger

	mu    sync.RWMutex
	cache map[string]*session
}

func newMetadataStore(api ObjectStore, logger log.Logger) *metadataStore {
	return &metadataStore{
		api:    api,
		logger: logger,
		cache:  map[string]*session{},
	}
}

// save writes the sidecar for upload and refreshes the cache entry. It
// returns only after the object store acknowledged the write.
func (m *metadataStore) save(ctx context.Context, upload datastore.Upload, uploadID string) error {
	blob, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("encode upload record: %w", err)
	}

	metadata := map[string]string{
		"file":        string(blob),
		"upload_id":   uploadID,
		"tus_version": TusVersion,
	}
	if err := m.api.PutObject(ctx, upload.ID+infoSuffix, bytes.NewReader(nil), metadata); err != nil {
		return fmt.Errorf("save sidecar for %s: %w", upload.ID, err)
	}

	m.mu.Lock()
	m.cache[upload.ID] = &session{file: upload, uploadID: uploadID, tusVersion: TusVersion}
	m.mu.Unlock()
	return nil
}

// get returns the session for id, reading the sidecar on a cache miss.
func (m *metadataStore) get(ctx context.Context, id string) (*session, error) {
	m.mu.RLock()
	cached, ok := m.cache[id]
	m.mu.RUnlock()
	if ok && cached.file.ID != "" {
		return cached, nil
	}

	metadata, err := m.api.HeadObject(ctx, id+infoSuffix)
	if err != nil {
		return nil, err
	}

	var upload datastore.Upload
	if raw, ok := metadata["file"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &upload); err != nil {
			return nil, fmt.Errorf("decode sidecar record for %s: %w", id, err)
		}
	}

	uploadID := metadata["upload_id"]
	if uploadID == "" {
		// DigitalOcean Spaces hands metadata keys back with hyphens
		uploadID = metadata["upload-id"]
	}

	sess := &session{
		file:       upload,
		uploadID:   uploadID,
		tusVersion: metadata["tus_version"],
	}
	m.mu.Lock()
	m.cache[id] = sess
	m.mu.Unlock()
	m.logger.Debugf("Loaded sidecar for upload %s (multipart id %s)", id, uploadID)
	return sess, nil
}

// clearCache drops the cache entry for id. Clearing an absent entry is a
// no-op.
func (m *metadataStore) clearCache(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

// MetadataEntry is one decoded tus metadata pair.
type MetadataEntry struct {
	Encoded string
	Decoded string
	// HasValue is false for bare keys, which tus permits.
	HasValue bool
}

// ParsedMetadata maps tus metadata keys to their decoded values.
type ParsedMetadata map[string]MetadataEntry

// ParseMetadataString parses the tus Upload-Metadata wire format:
// comma-separated entries of "key base64value", value optional.
func ParseMetadataString(s string) ParsedMetadata {
	parsed := ParsedMetadata{}
	if strings.TrimSpace(s) == "" {
		return parsed
	}

	for _, entry := range strings.Split(s, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		if len(fields) < 2 {
			parsed[key] = MetadataEntry{}
			continue
		}
		encoded := fields[1]
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			parsed[key] = MetadataEntry{Encoded: encoded}
			continue
		}
		parsed[key] = MetadataEntry{Encoded: encoded, Decoded: string(decoded), HasValue: true}
	}
	return parsed
}

// toASCII replaces every non-ASCII character with '?'. S3 user metadata
// travels in HTTP headers and only accepts ASCII; the unmodified original
// survives in the sidecar JSON.
func toASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '?'
		}
		return r
	}, s)
}
