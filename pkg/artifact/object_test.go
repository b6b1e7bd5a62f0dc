package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is a minimal in-memory stand-in for s3API used across ObjectStore
// tests; it stores objects and metadata keyed by object key.
type fakeS3 struct {
	objects  map[string][]byte
	metadata map[string]map[string]string

	failHead  error
	failPut   error
	nextPartN int
	parts     []byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	f.metadata[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.failHead != nil {
		return nil, f.failHead
	}
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		Metadata:      f.metadata[*in.Key],
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.nextPartN++
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.parts = append(f.parts, body...)
	etag := aws.String("etag")
	return &s3.UploadPartOutput{ETag: etag}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.objects[*in.Key] = f.parts
	f.parts = nil
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestObjectStorePutAndGet(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "patches-bucket", OverwriteAllow, 0, 0)

	content := []byte("revision 42 diff")
	info, err := store.Put(context.Background(), "scm/proj/1/svn/42.patch", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.SHA256 != HashBytes(content) {
		t.Errorf("expected sha256 %s, got %s", HashBytes(content), info.SHA256)
	}
	if client.metadata["scm/proj/1/svn/42.patch"][sha256MetadataKey] != info.SHA256 {
		t.Error("expected sha256 metadata tag to be set on the object")
	}

	got, err := store.Get(context.Background(), "scm/proj/1/svn/42.patch")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get returned %q, want %q", got, content)
	}
}

func TestObjectStoreGetInfoUsesMetadataWithoutDownload(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "bucket", OverwriteAllow, 0, 0)
	content := []byte("payload")
	if _, err := store.Put(context.Background(), "k.patch", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := store.GetInfo(context.Background(), "k.patch")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.SHA256 != HashBytes(content) {
		t.Errorf("expected sha256 %s, got %s", HashBytes(content), info.SHA256)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), info.Size)
	}
}

func TestObjectStoreMultipartUpload(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "bucket", OverwriteAllow, 10, 4)

	content := bytes.Repeat([]byte("a"), 25)
	info, err := store.Put(context.Background(), "large.patch", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), info.Size)
	}
	if client.nextPartN == 0 {
		t.Error("expected at least one UploadPart call for content above multipart threshold")
	}
	if !bytes.Equal(client.objects["large.patch"], content) {
		t.Error("multipart upload content mismatch in fake backing store")
	}
}

func TestObjectStoreOverwriteDeny(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "bucket", OverwriteDeny, 0, 0)
	ctx := context.Background()
	if _, err := store.Put(ctx, "k.patch", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := store.Put(ctx, "k.patch", bytes.NewReader([]byte("second")))
	var denied *ErrOverwriteDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected ErrOverwriteDenied, got %v", err)
	}
}

func TestObjectStoreOverwriteAllowSameHash(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "bucket", OverwriteAllowSameHash, 0, 0)
	ctx := context.Background()
	content := []byte("identical")
	if _, err := store.Put(ctx, "k.patch", bytes.NewReader(content)); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := store.Put(ctx, "k.patch", bytes.NewReader(content)); err != nil {
		t.Fatalf("second Put with identical content should succeed: %v", err)
	}
	_, err := store.Put(ctx, "k.patch", bytes.NewReader([]byte("different")))
	var mismatch *ErrHashMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestObjectStoreNotFound(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "bucket", OverwriteAllow, 0, 0)
	_, err := store.Get(context.Background(), "missing.patch")
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	exists, err := store.Exists(context.Background(), "missing.patch")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected Exists to be false for missing object")
	}
}

func TestObjectStoreResolve(t *testing.T) {
	client := newFakeS3()
	store := NewObjectStore(client, "patches-bucket", OverwriteAllow, 0, 0)
	uri, err := store.Resolve("scm/proj/1/x.patch")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if uri != "s3://patches-bucket/scm/proj/1/x.patch" {
		t.Errorf("unexpected resolved uri: %s", uri)
	}
}
