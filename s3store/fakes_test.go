package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/aws/smithy-go"
	"github.com/tuskit/s3store/datastore"
)

type fakeObject struct {
	body     []byte
	metadata map[string]string
}

type fakeMultipart struct {
	key         string
	metadata    map[string]string
	contentType string
	parts       map[int32]datastore.Part
	completed   bool
}

// fakeObjectStore is an in-memory ObjectStore. Error fields inject failures;
// call counters let tests assert which operations ran.
type fakeObjectStore struct {
	mu sync.Mutex

	objects    map[string]fakeObject
	multiparts map[string]*fakeMultipart
	nextID     int

	// page size for ListParts, 1000 when zero
	listPageSize int

	bucketErr     error
	uploadPartErr func(partNumber int32) error
	putObjectErr  error

	headCalls     int
	completeCalls int
	abortCalls    int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:    map[string]fakeObject{},
		multiparts: map[string]*fakeMultipart{},
	}
}

func noSuchUploadErr() error {
	return &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
}

func requestTimeoutErr() error {
	return &smithy.GenericAPIError{Code: "RequestTimeout", Message: "Your socket connection to the server was not read from or written to within the timeout period."}
}

func (f *fakeObjectStore) BucketExists(ctx context.Context) error {
	return f.bucketErr
}

func (f *fakeObjectStore) CreateMultipartUpload(ctx context.Context, key string, metadata map[string]string, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "mpu-" + strconv.Itoa(f.nextID)
	copied := map[string]string{}
	for k, v := range metadata {
		copied[k] = v
	}
	f.multiparts[id] = &fakeMultipart{
		key:         key,
		metadata:    copied,
		contentType: contentType,
		parts:       map[int32]datastore.Part{},
	}
	return id, nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, key string, body io.ReadSeeker, metadata map[string]string) error {
	if f.putObjectErr != nil {
		return f.putObjectErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	copied := map[string]string{}
	for k, v := range metadata {
		copied[k] = v
	}
	f.mu.Lock()
	f.objects[key] = fakeObject{body: data, metadata: copied}
	f.mu.Unlock()
	return nil
}

func (f *fakeObjectStore) HeadObject(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	obj, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	return obj.metadata, nil
}

func (f *fakeObjectStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker) (string, error) {
	if f.uploadPartErr != nil {
		if err := f.uploadPartErr(partNumber); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	mpu, ok := f.multiparts[uploadID]
	if !ok || mpu.completed {
		return "", noSuchUploadErr()
	}
	etag := fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
	mpu.parts[partNumber] = datastore.Part{PartNumber: partNumber, Size: int64(len(data)), ETag: etag}
	return etag, nil
}

func (f *fakeObjectStore) ListParts(ctx context.Context, key, uploadID string, marker *string) (ListPartsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mpu, ok := f.multiparts[uploadID]
	if !ok || mpu.completed {
		return ListPartsPage{}, noSuchUploadErr()
	}

	var after int32
	if marker != nil {
		parsed, err := strconv.Atoi(*marker)
		if err != nil {
			return ListPartsPage{}, err
		}
		after = int32(parsed)
	}

	pageSize := f.listPageSize
	if pageSize == 0 {
		pageSize = 1000
	}

	numbers := make([]int32, 0, len(mpu.parts))
	for n := range mpu.parts {
		if n > after {
			numbers = append(numbers, n)
		}
	}
	for i := 0; i < len(numbers); i++ {
		for j := i + 1; j < len(numbers); j++ {
			if numbers[j] < numbers[i] {
				numbers[i], numbers[j] = numbers[j], numbers[i]
			}
		}
	}

	page := ListPartsPage{}
	for i, n := range numbers {
		if i == pageSize {
			page.IsTruncated = true
			last := strconv.Itoa(int(numbers[i-1]))
			page.NextPartNumberMarker = &last
			break
		}
		page.Parts = append(page.Parts, mpu.parts[n])
	}
	return page, nil
}

func (f *fakeObjectStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []datastore.Part) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	mpu, ok := f.multiparts[uploadID]
	if !ok || mpu.completed {
		return "", noSuchUploadErr()
	}
	var assembled []byte
	var total int64
	for _, p := range parts {
		stored, ok := mpu.parts[p.PartNumber]
		if !ok || stored.ETag != p.ETag {
			return "", &smithy.GenericAPIError{Code: "InvalidPart", Message: "part not found"}
		}
		total += stored.Size
	}
	mpu.completed = true
	f.objects[key] = fakeObject{body: assembled, metadata: map[string]string{
		"assembled_size": strconv.FormatInt(total, 10),
	}}
	return "https://" + key, nil
}

func (f *fakeObjectStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	mpu, ok := f.multiparts[uploadID]
	if !ok || mpu.completed {
		return noSuchUploadErr()
	}
	delete(f.multiparts, uploadID)
	return nil
}

func (f *fakeObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

// partSizes returns the stored part sizes of uploadID ordered by part number.
func (f *fakeObjectStore) partSizes(uploadID string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	mpu, ok := f.multiparts[uploadID]
	if !ok {
		return nil
	}
	var max int32
	for n := range mpu.parts {
		if n > max {
			max = n
		}
	}
	sizes := make([]int64, 0, len(mpu.parts))
	for n := int32(1); n <= max; n++ {
		if p, ok := mpu.parts[n]; ok {
			sizes = append(sizes, p.Size)
		}
	}
	return sizes
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// errorReader yields its payload, then fails with err.
type errorReader struct {
	payload *bytes.Reader
	err     error
}

func newErrorReader(payload []byte, err error) *errorReader {
	return &errorReader{payload: bytes.NewReader(payload), err: err}
}

func (r *errorReader) Read(p []byte) (int, error) {
	n, err := r.payload.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}
