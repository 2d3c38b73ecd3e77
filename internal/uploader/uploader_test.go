package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/netusage"
)

// fakeS3 records multipart traffic in memory. Unused S3API methods panic
// through the embedded nil interface.
type fakeS3 struct {
	s3iface.S3API

	createCalls int
	parts       map[int64][]byte
	failParts   map[int64]bool
	onPart      func(num int64)

	completed      bool
	completedParts []int64
	aborted        bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		parts:     map[int64][]byte{},
		failParts: map[int64]bool{},
	}
}

func (f *fakeS3) CreateMultipartUploadWithContext(_ aws.Context, _ *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	f.createCalls++

	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPartWithContext(_ aws.Context, in *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	num := aws.Int64Value(in.PartNumber)

	if f.onPart != nil {
		f.onPart(num)
	}

	if f.failParts[num] {
		delete(f.failParts, num)

		return nil, errors.New("connection reset")
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.parts[num] = data

	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", num))}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(_ aws.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = true

	for _, p := range in.MultipartUpload.Parts {
		f.completedParts = append(f.completedParts, aws.Int64Value(p.PartNumber))
	}

	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(_ aws.Context, _ *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = true

	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) assembled() []byte {
	var out []byte

	for num := int64(1); ; num++ {
		data, ok := f.parts[num]
		if !ok {
			return out
		}

		out = append(out, data...)
	}
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "session.bag")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	return path
}

func newTestUploader(t *testing.T, client s3iface.S3API, path string) *MultipartUploader {
	t.Helper()

	u, err := NewMultipartUploader(client, "default", "projects/p1/records/r1/files/session.bag",
		path, netusage.NewMeter(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return u
}

func TestUpload_SmallFileSinglePart(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, 1024)
	s3c := newFakeS3()
	u := newTestUploader(t, s3c, path)

	done, err := u.Upload(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	assert.True(t, s3c.completed)
	assert.Equal(t, []int64{1}, s3c.completedParts)
	assert.Len(t, s3c.assembled(), 1024)

	_, err = os.Stat(u.manifestPath())
	assert.True(t, os.IsNotExist(err))
}

func TestUpload_ResumesFromJournal(t *testing.T) {
	t.Parallel()

	const fileSize = 15_000_000 // three 6 MB parts

	path := writeTestFile(t, fileSize)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	s3c := newFakeS3()
	s3c.failParts[2] = true

	u := newTestUploader(t, s3c, path)

	meter := netusage.NewMeter()
	u.meter = meter

	done, err := u.Upload(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.False(t, done)

	// Part 1 landed and is journaled.
	assert.Len(t, s3c.parts, 1)

	_, err = os.Stat(u.manifestPath())
	require.NoError(t, err)

	// Bytes appended after staging must not leak into the upload.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 1_000_000))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	done, err = u.Upload(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	// The multipart session was created exactly once.
	assert.Equal(t, 1, s3c.createCalls)
	assert.True(t, s3c.completed)
	assert.Equal(t, []int64{1, 2, 3}, s3c.completedParts)
	assert.Equal(t, original, s3c.assembled())
	assert.Equal(t, int64(fileSize), meter.Snapshot().UploadBytes)

	_, err = os.Stat(u.manifestPath())
	assert.True(t, os.IsNotExist(err))
}

func TestUpload_PauseStopsBetweenParts(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, 15_000_000)
	s3c := newFakeS3()
	u := newTestUploader(t, s3c, path)

	s3c.onPart = func(num int64) {
		if num == 1 {
			u.Pause()
		}
	}

	done, err := u.Upload(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, s3c.parts, 1)

	// Resuming picks up where the pause left off.
	s3c.onPart = nil

	done, err = u.Upload(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, s3c.parts, 3)
}

func TestUpload_MissingSourceIsSkipped(t *testing.T) {
	t.Parallel()

	s3c := newFakeS3()
	u := newTestUploader(t, s3c, filepath.Join(t.TempDir(), "gone.bag"))

	done, err := u.Upload(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Zero(t, s3c.createCalls)
}

func TestUpload_CancelledContext(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, 1024)
	u := newTestUploader(t, newFakeS3(), path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Upload(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetPartSize(t *testing.T) {
	t.Parallel()

	u := newTestUploader(t, newFakeS3(), "unused")

	assert.Error(t, u.SetPartSize(1024))
	assert.NoError(t, u.SetPartSize(8_000_000))
}

func TestAbort_DropsJournalAndServerParts(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, 15_000_000)
	s3c := newFakeS3()
	s3c.failParts[2] = true

	u := newTestUploader(t, s3c, path)

	_, err := u.Upload(context.Background())
	require.Error(t, err)

	require.NoError(t, u.Abort(context.Background()))
	assert.True(t, s3c.aborted)

	_, err = os.Stat(u.manifestPath())
	assert.True(t, os.IsNotExist(err))
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	rn, err := api.ParseRecordName("warehouses/w1/projects/p1/records/r1")
	require.NoError(t, err)

	assert.Equal(t, "projects/p1/records/r1/files/a/b.bag", ObjectKey(rn, "a/b.bag"))
}
