package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockClient is an in-memory API for tests. Objects are keyed by
// "bucket/key". It honors If-None-Match on PutObject and
// CompleteMultipartUpload and paginates ListObjectsV2 by PageSize.
type MockClient struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	uploads  map[string]map[int32][]byte
	uploadID int

	// PageSize caps keys per ListObjectsV2 page. Zero returns one page.
	PageSize int

	// Call counters for test assertions.
	PutObjectCalls             int
	CreateMultipartUploadCalls int
	AbortMultipartUploadCalls  int
	ListCalls                  int

	// UploadPartFailOnCall makes the Nth UploadPart call fail. Zero disables.
	UploadPartFailOnCall int
	uploadPartCalls      int
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int32][]byte),
	}
}

// Object returns a copy of the stored object, if any.
func (m *MockClient) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	return bytes.Clone(data), ok
}

// PutObject implements API.
func (m *MockClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	id := objectID(params.Bucket, params.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls++

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[id]; exists {
			return nil, &apiError{code: "PreconditionFailed", message: "object already exists"}
		}
	}
	m.objects[id] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.
func (m *MockClient) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	data, exists := m.objects[objectID(params.Bucket, params.Key)]
	m.mu.RUnlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.
func (m *MockClient) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	data, exists := m.objects[objectID(params.Bucket, params.Key)]
	m.mu.RUnlock()

	if !exists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// CreateMultipartUpload implements API.
func (m *MockClient) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateMultipartUploadCalls++
	m.uploadID++
	uploadID := fmt.Sprintf("upload-%d", m.uploadID)
	m.uploads[uploadID] = make(map[int32][]byte)

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(uploadID),
	}, nil
}

// UploadPart implements API.
func (m *MockClient) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadPartCalls++
	if m.UploadPartFailOnCall > 0 && m.uploadPartCalls >= m.UploadPartFailOnCall {
		return nil, &apiError{code: "InternalError", message: "simulated upload part failure"}
	}

	parts, exists := m.uploads[aws.ToString(params.UploadId)]
	if !exists {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found"}
	}
	partNum := aws.ToInt32(params.PartNumber)
	parts[partNum] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"%d-%d\"", partNum, len(data)))}, nil
}

// CompleteMultipartUpload implements API.
func (m *MockClient) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	uploadID := aws.ToString(params.UploadId)
	id := objectID(params.Bucket, params.Key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[id]; exists {
			return nil, &apiError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	parts, exists := m.uploads[uploadID]
	if !exists {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found"}
	}

	var assembled []byte
	for i := int32(1); i <= int32(len(parts)); i++ {
		assembled = append(assembled, parts[i]...)
	}
	m.objects[id] = assembled
	delete(m.uploads, uploadID)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

// AbortMultipartUpload implements API.
func (m *MockClient) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	m.AbortMultipartUploadCalls++
	delete(m.uploads, aws.ToString(params.UploadId))
	m.mu.Unlock()
	return &s3.AbortMultipartUploadOutput{}, nil
}

// DeleteObject implements API.
func (m *MockClient) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, objectID(params.Bucket, params.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.
func (m *MockClient) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	bucket := aws.ToString(params.Bucket) + "/"
	prefix := bucket + aws.ToString(params.Prefix)
	after := aws.ToString(params.ContinuationToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++

	var keys []string
	for id := range m.objects {
		if strings.HasPrefix(id, prefix) {
			keys = append(keys, strings.TrimPrefix(id, bucket))
		}
	}
	sort.Strings(keys)

	var contents []types.Object
	for _, k := range keys {
		if after != "" && k <= after {
			continue
		}
		if m.PageSize > 0 && len(contents) == m.PageSize {
			last := aws.ToString(contents[len(contents)-1].Key)
			return &s3.ListObjectsV2Output{
				Contents:              contents,
				IsTruncated:           aws.Bool(true),
				NextContinuationToken: aws.String(last),
			}, nil
		}
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

func objectID(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

// apiError implements smithy.APIError.
type apiError struct {
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func (e *apiError) ErrorCode() string {
	return e.code
}

func (e *apiError) ErrorMessage() string {
	return e.message
}

func (e *apiError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
