// Package s3 stores parcel datasets in S3-compatible object storage.
//
// The store works against AWS S3, MinIO, LocalStack, Cloudflare R2 and
// other S3-compatible services.
//
// Put writes with If-None-Match so that a versioned save never overwrites
// an existing object; Replace writes unconditionally. Payloads above the
// multipart threshold are uploaded in parts, with the same condition
// applied on completion.
//
// AWS S3 provides strong read-after-write consistency. Other compatible
// backends may not; directory listings can lag behind writes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/parcel/parcel"
)

// S3 multipart upload constraints.
const (
	// minPartSize is the minimum part size for S3 multipart uploads (except last part).
	minPartSize = 5 * 1024 * 1024 // 5MB

	// maxParts is the maximum number of parts allowed in an S3 multipart upload.
	maxParts = 10000

	// maxObjectSize is the maximum object size for S3 (5TB).
	maxObjectSize = 5 * 1024 * 1024 * 1024 * 1024

	// maxSinglePutSize is the S3 PutObject limit (5GB).
	maxSinglePutSize = 5 * 1024 * 1024 * 1024
)

// API defines the subset of the S3 client interface used by the store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix prefixes every key with p (a trailing slash is added).
func WithPrefix(p string) Option {
	return func(s *Store) {
		p = strings.Trim(p, "/")
		if p != "" {
			p += "/"
		}
		s.prefix = p
	}
}

// WithMultipartThreshold sets the payload size above which uploads use
// multipart. Values above 5GB are capped. Default: 5GB.
func WithMultipartThreshold(n int64) Option {
	return func(s *Store) {
		s.multipartThreshold = min(n, maxSinglePutSize)
	}
}

// Store implements parcel.Store for one S3 bucket.
type Store struct {
	client             API
	bucket             string
	prefix             string
	multipartThreshold int64
	createTemp         func() (*os.File, error) // spool factory for unsized readers
}

// New creates a store for bucket using a pre-configured client.
//
// Example:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "us-east-1"})
//	store, err := s3.New(client, "my-bucket", s3.WithPrefix("datasets"))
func New(client API, bucket string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	s := &Store{
		client:             client,
		bucket:             bucket,
		multipartThreshold: maxSinglePutSize,
		createTemp:         func() (*os.File, error) { return os.CreateTemp("", "parcel-s3-*") },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.multipartThreshold < minPartSize {
		s.multipartThreshold = minPartSize
	}
	return s, nil
}

// Opener returns a parcel.Opener that serves every bucket from client.
// A non-empty prefix is applied to all keys in every bucket.
func Opener(client API, prefix string) parcel.Opener {
	return func(_ context.Context, bucket string) (parcel.Store, error) {
		return New(client, bucket, WithPrefix(prefix))
	}
}

// Put writes data to key unless an object already exists there.
// Returns parcel.ErrPathExists if it does.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	return s.upload(ctx, key, r, true)
}

// Replace writes data to key, overwriting any existing object.
func (s *Store) Replace(ctx context.Context, key string, r io.Reader) error {
	return s.upload(ctx, key, r, false)
}

// payload is a sized, re-readable upload body.
type payload interface {
	io.ReadSeeker
	io.ReaderAt
}

func (s *Store) upload(ctx context.Context, key string, r io.Reader, exclusive bool) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	body, size, cleanup, err := s.spool(r)
	if err != nil {
		return err
	}
	defer cleanup()

	if size > s.multipartThreshold {
		return s.putMultipart(ctx, fullKey, body, size, exclusive)
	}
	return s.putObject(ctx, fullKey, body, size, exclusive)
}

// spool returns r as a sized payload. In-memory buffers are used in
// place; other readers are copied to a temp file.
func (s *Store) spool(r io.Reader) (payload, int64, func(), error) {
	if b, ok := r.(*bytes.Buffer); ok {
		return bytes.NewReader(b.Bytes()), int64(b.Len()), func() {}, nil
	}
	if br, ok := r.(*bytes.Reader); ok {
		return br, br.Size(), func() {}, nil
	}

	tmp, err := s.createTemp()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("s3: creating temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("s3: writing temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("s3: seeking temp file: %w", err)
	}
	return tmp, size, cleanup, nil
}

func (s *Store) putObject(ctx context.Context, fullKey string, body io.ReadSeeker, size int64, exclusive bool) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if exclusive && isConditionFailed(err) {
			return parcel.ErrPathExists
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// putMultipart uploads body in parts read straight from the payload.
// Exclusive uploads check existence first to fail fast; the
// If-None-Match condition on completion is what guarantees no overwrite.
func (s *Store) putMultipart(ctx context.Context, fullKey string, body io.ReaderAt, size int64, exclusive bool) error {
	if size > maxObjectSize {
		return fmt.Errorf("s3: object size %d exceeds maximum %d (5TB)", size, maxObjectSize)
	}

	partSize := int64(minPartSize)
	if size > partSize*maxParts {
		partSize = (size + maxParts - 1) / maxParts
	}

	if exclusive {
		exists, err := s.exists(ctx, fullKey)
		if err != nil {
			return fmt.Errorf("s3: checking existence: %w", err)
		}
		if exists {
			return parcel.ErrPathExists
		}
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("s3: create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	// Abort with a fresh context so cleanup runs after cancellation.
	//nolint:contextcheck
	abort := func() {
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = s.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(fullKey),
			UploadId: aws.String(uploadID),
		})
	}

	var parts []types.CompletedPart
	var partNum int32
	for offset := int64(0); offset < size; offset += partSize {
		partNum++
		n := min(partSize, size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(fullKey),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNum),
			Body:          io.NewSectionReader(body, offset, n),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			abort()
			return fmt.Errorf("s3: upload part %d: %w", partNum, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNum),
		})
	}

	in := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(fullKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.CompleteMultipartUpload(ctx, in); err != nil {
		abort()
		if exclusive && isConditionFailed(err) {
			return parcel.ErrPathExists
		}
		return fmt.Errorf("s3: complete multipart upload: %w", err)
	}
	return nil
}

// Get retrieves the object at key.
// Returns parcel.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, parcel.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	return out.Body, nil
}

// Exists reports whether an object exists at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return false, err
	}
	ok, err := s.exists(ctx, fullKey)
	if err != nil {
		return false, fmt.Errorf("s3: head object: %w", err)
	}
	return ok, nil
}

// List returns all keys under prefix, relative to the store prefix.
// Pagination is handled internally.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix, err := s.validatePrefix(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	}); err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, fullKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validateKey returns the full object key for key.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", parcel.ErrInvalidPath
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", parcel.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", parcel.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}

// validatePrefix returns the full listing prefix for prefix.
func (s *Store) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return s.prefix, nil
	}
	cleaned := path.Clean(prefix)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", parcel.ErrInvalidPath
	}
	if cleaned == "." {
		return s.prefix, nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}
	return s.prefix + cleaned, nil
}

// isNotFound reports whether err means the object or bucket is missing.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

// isConditionFailed reports whether err is a failed If-None-Match write.
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
		return true
	}
	return false
}
