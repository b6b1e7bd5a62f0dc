package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
)

const sha256MetadataKey = "sha256"

// s3API is the subset of *s3.Client used by ObjectStore, narrowed for
// testability via a mock implementation.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ObjectStore is the S3-compatible backend for spec §4.A. URIs are object
// keys relative to the configured bucket (no "s3://" prefix — the evidence
// classifier handles that distinction upstream).
type ObjectStore struct {
	client             s3API
	bucket             string
	overwrite          OverwritePolicy
	multipartThreshold int64
	partSize           int64
}

func NewObjectStore(client s3API, bucket string, overwrite OverwritePolicy, multipartThreshold, partSize int64) *ObjectStore {
	if multipartThreshold <= 0 {
		multipartThreshold = 100 * 1024 * 1024
	}
	if partSize <= 0 {
		partSize = 16 * 1024 * 1024
	}
	return &ObjectStore{
		client:             client,
		bucket:             bucket,
		overwrite:          overwrite,
		multipartThreshold: multipartThreshold,
		partSize:           partSize,
	}
}

func (s *ObjectStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return Info{}, err
	}

	if s.overwrite == OverwriteDeny || s.overwrite == OverwriteAllowSameHash {
		existing, headErr := s.HeadSha256(ctx, key)
		if headErr == nil {
			if s.overwrite == OverwriteDeny {
				return Info{}, &ErrOverwriteDenied{URI: uri}
			}
			// allow_same_hash: buffer, hash, compare before any network PUT.
			buf, readErr := io.ReadAll(r)
			if readErr != nil {
				return Info{}, dberrors.FailedToWithDetails("buffer object body", "artifact", uri, readErr)
			}
			newHash := HashBytes(buf)
			if newHash == existing {
				return Info{URI: uri, SHA256: newHash, Size: int64(len(buf))}, nil
			}
			return Info{}, &ErrHashMismatch{URI: uri, Existing: existing, New: newHash}
		}
		var nf *ErrNotFound
		if !errors.As(headErr, &nf) {
			return Info{}, headErr
		}
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return Info{}, dberrors.FailedToWithDetails("buffer object body", "artifact", uri, err)
	}
	hash := HashBytes(buf)

	if int64(len(buf)) >= s.multipartThreshold {
		if err := s.putMultipart(ctx, key, buf, hash); err != nil {
			return Info{}, err
		}
	} else {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(buf),
			Metadata: map[string]string{sha256MetadataKey: hash},
		})
		if err != nil {
			return Info{}, classifyS3Error("put_object", uri, err)
		}
	}

	return Info{URI: uri, SHA256: hash, Size: int64(len(buf))}, nil
}

// putMultipart uploads buf in s.partSize chunks, aborting the upload on any
// part or completion failure so no orphaned multipart upload is left behind.
func (s *ObjectStore) putMultipart(ctx context.Context, key string, buf []byte, hash string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: map[string]string{sha256MetadataKey: hash},
	})
	if err != nil {
		return classifyS3Error("create_multipart_upload", key, err)
	}
	uploadID := created.UploadId

	abort := func() {
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}

	var parts []types.CompletedPart
	partNum := int32(1)
	for offset := int64(0); offset < int64(len(buf)); offset += s.partSize {
		end := offset + s.partSize
		if end > int64(len(buf)) {
			end = int64(len(buf))
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNum),
			Body:       bytes.NewReader(buf[offset:end]),
		})
		if err != nil {
			abort()
			return classifyS3Error("upload_part", key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNum)})
		partNum++
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return classifyS3Error("complete_multipart_upload", key, err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classifyS3Error("get_object", uri, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, dberrors.FailedToWithDetails("read object body", "artifact", uri, err)
	}
	return data, nil
}

func (s *ObjectStore) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classifyS3Error("get_object", uri, err)
	}
	return out.Body, nil
}

// HeadSha256 reads the sha256 metadata key via HeadObject without
// downloading the body, returning *ErrNotFound if absent or the key has no
// such metadata.
func (s *ObjectStore) HeadSha256(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return "", classifyS3Error("head_object", key, err)
	}
	hash, ok := out.Metadata[sha256MetadataKey]
	if !ok || hash == "" {
		return "", &ErrNotFound{URI: key}
	}
	return hash, nil
}

// GetInfo returns metadata from HeadObject's sha256 tag when present,
// avoiding a full download; falls back to a full Get+hash otherwise.
func (s *ObjectStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return Info{}, err
	}
	out, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if headErr != nil {
		return Info{}, classifyS3Error("head_object", uri, headErr)
	}
	if hash, ok := out.Metadata[sha256MetadataKey]; ok && hash != "" {
		size := int64(0)
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		return Info{URI: uri, SHA256: hash, Size: size}, nil
	}
	data, err := s.Get(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	return Info{URI: uri, SHA256: HashBytes(data), Size: int64(len(data))}, nil
}

func (s *ObjectStore) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return false, err
	}
	_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if headErr == nil {
		return true, nil
	}
	var nf *ErrNotFound
	wrapped := classifyS3Error("head_object", uri, headErr)
	if errors.As(wrapped, &nf) {
		return false, nil
	}
	return false, wrapped
}

func (s *ObjectStore) Resolve(uri string) (string, error) {
	key, err := validateRelPath(uri, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// ErrObjectStoreTimeout classifies a context deadline or SDK timeout.
type ErrObjectStoreTimeout struct{ Op, URI string }

func (e *ErrObjectStoreTimeout) Error() string {
	return fmt.Sprintf("object store timeout during %s on %s", e.Op, e.URI)
}

// ErrObjectStoreThrottling classifies a throttling/slow-down response.
type ErrObjectStoreThrottling struct{ Op, URI string }

func (e *ErrObjectStoreThrottling) Error() string {
	return fmt.Sprintf("object store throttled during %s on %s", e.Op, e.URI)
}

func classifyS3Error(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrObjectStoreTimeout{Op: op, URI: uri}
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return &ErrNotFound{URI: uri}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "NotFound" || code == "NoSuchKey":
			return &ErrNotFound{URI: uri}
		case code == "SlowDown" || code == "Throttling" || code == "RequestLimitExceeded" || code == "TooManyRequests":
			return &ErrObjectStoreThrottling{Op: op, URI: uri}
		case code == "RequestTimeout" || strings.Contains(strings.ToLower(code), "timeout"):
			return &ErrObjectStoreTimeout{Op: op, URI: uri}
		}
	}

	return dberrors.NetworkError("s3 "+op, uri, err)
}
