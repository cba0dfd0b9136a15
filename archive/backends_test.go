package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	backend, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	_, err = backend.Fetch(ctx, 1)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, 1, []byte("first")))
	require.NoError(t, backend.Store(ctx, 1, []byte("second")))

	data, err := backend.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
	assert.FileExists(t, filepath.Join(dir, "1"))
	assert.NoFileExists(t, filepath.Join(dir, "1.tmp"))
}

type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestS3Backend(t *testing.T) {
	client := newFakeS3()
	backend := NewS3BackendWithClient(client, "history", "/exports/", "s3://history/exports", discardLogger())
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "s3-history", backend.Name())

	_, err := backend.Fetch(ctx, 3)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, 3, []byte("data")))
	assert.Contains(t, client.objects, "history/exports/3")

	data, err := backend.Fetch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	client.headErr = errors.New("forbidden")
	assert.False(t, backend.Available(ctx))
}

func TestBackendFactory(t *testing.T) {
	factory := NewBackendFactory(discardLogger())
	dir := t.TempDir()

	backend, err := factory.BackendFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.BackendFor("s3://AKID:secret@bucket/prefix?region=eu-west-1&endpoint=http://localhost:9000")
	require.NoError(t, err)
	require.IsType(t, &S3Backend{}, backend)
	assert.NotContains(t, backend.LocationURI(), "secret")

	for _, uri := range []string{"ipfs://localhost", "file://", "s3:///nobucket", "::bad"} {
		_, err := factory.BackendFor(uri)
		assert.ErrorIs(t, err, ErrInvalidLocationURI, uri)
	}

	multi, err := factory.CreateMultiBackend([]string{"unknown://x", "file://" + dir})
	require.NoError(t, err)
	assert.True(t, multi.Available(context.Background()))

	_, err = factory.CreateMultiBackend([]string{"unknown://x"})
	assert.Error(t, err)
}
