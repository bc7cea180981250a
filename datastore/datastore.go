// Package datastore defines the storage-facing surface of the tus protocol:
// the upload record persisted by a store, the interfaces a store implements,
// and the optional per-extension interfaces a front end probes for.
package datastore

import (
	"context"
	"encoding/json"
	"io"
)

// Upload is the per-upload record a store persists. The JSON encoding matches
// the sidecar wire format, so a record written by one process round-trips
// through another. Attributes the front end attaches beyond the known fields
// survive marshalling untouched.
type Upload struct {
	ID                string
	UploadLength      *int64
	UploadDeferLength bool
	UploadMetadata    string
	CreationDate      string

	extra map[string]json.RawMessage
}

// HasLength reports whether the total upload size is known.
func (u Upload) HasLength() bool {
	return u.UploadLength != nil
}

// SetExtra attaches an opaque attribute that is carried through the sidecar
// JSON without interpretation.
func (u *Upload) SetExtra(key string, value json.RawMessage) {
	if u.extra == nil {
		u.extra = map[string]json.RawMessage{}
	}
	u.extra[key] = value
}

// Extra returns the opaque attribute stored under key, if any.
func (u Upload) Extra(key string) (json.RawMessage, bool) {
	v, ok := u.extra[key]
	return v, ok
}

// MarshalJSON ...
func (u Upload) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	for k, v := range u.extra {
		fields[k] = v
	}

	id, err := json.Marshal(u.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id

	if u.UploadLength != nil {
		length, err := json.Marshal(*u.UploadLength)
		if err != nil {
			return nil, err
		}
		fields["upload_length"] = length
	}
	if u.UploadDeferLength {
		// tus sends the Upload-Defer-Length header as the literal "1"
		fields["upload_defer_length"] = json.RawMessage(`"1"`)
	}
	if u.UploadMetadata != "" {
		meta, err := json.Marshal(u.UploadMetadata)
		if err != nil {
			return nil, err
		}
		fields["upload_metadata"] = meta
	}
	if u.CreationDate != "" {
		date, err := json.Marshal(u.CreationDate)
		if err != nil {
			return nil, err
		}
		fields["creation_date"] = date
	}

	return json.Marshal(fields)
}

// UnmarshalJSON ...
func (u *Upload) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*u = Upload{}
	for key, raw := range fields {
		switch key {
		case "id":
			if err := json.Unmarshal(raw, &u.ID); err != nil {
				return err
			}
		case "upload_length":
			var length int64
			if err := json.Unmarshal(raw, &length); err != nil {
				return err
			}
			u.UploadLength = &length
		case "upload_defer_length":
			u.UploadDeferLength = deferFlagSet(raw)
		case "upload_metadata":
			if err := json.Unmarshal(raw, &u.UploadMetadata); err != nil {
				return err
			}
		case "creation_date":
			if err := json.Unmarshal(raw, &u.CreationDate); err != nil {
				return err
			}
		default:
			if u.extra == nil {
				u.extra = map[string]json.RawMessage{}
			}
			u.extra[key] = raw
		}
	}
	return nil
}

// deferFlagSet accepts both the tus wire value ("1") and a bare number, since
// front ends disagree on which one lands in the sidecar.
func deferFlagSet(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s != "" && s != "0"
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return false
}

// Part describes one stored chunk of an upload.
type Part struct {
	PartNumber int32
	Size       int64
	ETag       string
}

// UploadInfo is the view of an upload a front end needs to answer a HEAD
// request: the stored record plus the current offset. Parts is nil once the
// upload has been assembled into its final object.
type UploadInfo struct {
	Upload
	Offset int64
	Parts  []Part
}

// DataStore is the core interface a storage backend implements. The front end
// guarantees that writes for a single upload are serialized; stores do not
// lock per upload.
type DataStore interface {
	// Create registers a new upload. The record's ID must be set.
	Create(ctx context.Context, upload Upload) (Upload, error)
	// Write appends the bytes read from src to the upload and returns the new
	// offset. The store may accept fewer bytes than offered.
	Write(ctx context.Context, src io.Reader, id string) (int64, error)
	// GetOffset reports the upload's record and current offset.
	GetOffset(ctx context.Context, id string) (UploadInfo, error)
	// Extensions names the tus protocol extensions the store supports.
	Extensions() []string
}

// LengthDeferrerDataStore is implemented by stores supporting the
// creation-defer-length extension.
type LengthDeferrerDataStore interface {
	DeclareLength(ctx context.Context, id string, length int64) error
}

// TerminaterDataStore is implemented by stores that can discard an upload and
// free its resources.
type TerminaterDataStore interface {
	Terminate(ctx context.Context, id string) error
}

// GetReaderDataStore is implemented by stores that can stream back the
// content of a finished upload.
type GetReaderDataStore interface {
	GetReader(ctx context.Context, id string) (io.ReadCloser, error)
}
