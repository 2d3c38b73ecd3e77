// Package uploader moves record files to object storage with resumable
// multipart uploads. Progress is journaled next to the source file so an
// interrupted upload continues from the last finished part.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/coscene-io/coscout/internal/netusage"
)

// ErrConnection marks upload failures worth retrying on a later sweep.
var ErrConnection = errors.New("uploader: connection failed")

const (
	// AWS rejects parts under 5 MB with EntityTooSmall.
	partMinimum = int64(5e6)

	defaultPartSize = int64(6e6)
)

// manifest is the on-disk journal of one multipart upload, stored as
// .<basename>_multipart.json beside the source file.
type manifest struct {
	MultipartID       string `json:"multipart_id"`
	CurrentPartNumber int64  `json:"current_part_number"`
	File              string `json:"file"`
	TotalBytes        int64  `json:"total_bytes"`
	UploadedBytes     int64  `json:"uploaded_bytes"`
	PartSize          int64  `json:"part_size"`
	Parts             []part `json:"parts"`
}

type part struct {
	PartNumber int64  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// MultipartUploader uploads one file to one object key.
type MultipartUploader struct {
	s3       s3iface.S3API
	bucket   string
	key      string
	filePath string
	partSize int64
	meter    *netusage.Meter
	logger   *slog.Logger

	paused atomic.Bool
}

func NewMultipartUploader(client s3iface.S3API, bucket, key, filePath string, meter *netusage.Meter, logger *slog.Logger) (*MultipartUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultipartUploader{
		s3:       client,
		bucket:   bucket,
		key:      key,
		filePath: filePath,
		partSize: defaultPartSize,
		meter:    meter,
		logger:   logger,
	}, nil
}

// SetPartSize overrides the part size; sizes under the S3 minimum fail.
func (u *MultipartUploader) SetPartSize(size int64) error {
	if size < partMinimum {
		return fmt.Errorf("uploader: part size %d is below the 5MB minimum", size)
	}

	u.partSize = size

	return nil
}

func (u *MultipartUploader) manifestPath() string {
	dir := filepath.Dir(u.filePath)
	base := filepath.Base(u.filePath)

	return filepath.Join(dir, fmt.Sprintf(".%s_multipart.json", base))
}

// Pause stops the upload after the in-flight part finishes. The journal
// stays on disk, so the next Upload call resumes.
func (u *MultipartUploader) Pause() {
	u.paused.Store(true)
}

// Upload transfers the file, resuming from the journal when present.
// It returns true when the object was completed.
func (u *MultipartUploader) Upload(ctx context.Context) (bool, error) {
	info, err := os.Stat(u.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			u.logger.Warn("upload source missing", "path", u.filePath)

			return false, nil
		}

		return false, fmt.Errorf("uploader: stat %s: %w", u.filePath, err)
	}

	u.paused.Store(false)

	m, err := u.loadOrCreateManifest(ctx, info.Size())
	if err != nil {
		return false, err
	}

	totalParts := (m.TotalBytes + m.PartSize - 1) / m.PartSize
	if totalParts == 0 {
		totalParts = 1
	}

	f, err := os.Open(u.filePath)
	if err != nil {
		return false, fmt.Errorf("uploader: opening %s: %w", u.filePath, err)
	}
	defer f.Close()

	if m.CurrentPartNumber > 1 {
		if _, err := f.Seek((m.CurrentPartNumber-1)*m.PartSize, 0); err != nil {
			return false, fmt.Errorf("uploader: seeking %s: %w", u.filePath, err)
		}
	}

	buf := make([]byte, m.PartSize)

	for num := m.CurrentPartNumber; num <= totalParts; num++ {
		if u.paused.Load() {
			return false, nil
		}

		if err := ctx.Err(); err != nil {
			return false, err
		}

		n, err := readFull(f, buf, m.TotalBytes-m.UploadedBytes)
		if err != nil {
			return false, fmt.Errorf("uploader: reading %s: %w", u.filePath, err)
		}

		if n == 0 {
			break
		}

		out, err := u.s3.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Body:       bytes.NewReader(buf[:n]),
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(u.key),
			UploadId:   aws.String(m.MultipartID),
			PartNumber: aws.Int64(num),
		})
		if err != nil {
			return false, fmt.Errorf("%w: part %d of %s: %v", ErrConnection, num, u.filePath, err)
		}

		if u.meter != nil {
			u.meter.AddUpload(int64(n))
		}

		m.Parts = append(m.Parts, part{PartNumber: num, ETag: aws.StringValue(out.ETag)})
		m.CurrentPartNumber = num + 1
		m.UploadedBytes += int64(n)

		if err := u.saveManifest(m); err != nil {
			return false, err
		}

		u.logger.Info("uploaded part", "file", u.filePath,
			"part", num, "total_parts", totalParts, "uploaded_bytes", m.UploadedBytes)
	}

	if m.CurrentPartNumber <= totalParts {
		return false, nil
	}

	if err := u.complete(ctx, m); err != nil {
		return false, err
	}

	os.Remove(u.manifestPath())
	u.logger.Info("upload completed", "file", u.filePath, "key", u.key)

	return true, nil
}

// readFull fills buf up to the remaining frozen byte count, so bytes
// appended to the file after staging never leak into the upload.
func readFull(f *os.File, buf []byte, remaining int64) (int, error) {
	want := int64(len(buf))
	if remaining < want {
		want = remaining
	}

	if want <= 0 {
		return 0, nil
	}

	n, err := io.ReadFull(f, buf[:want])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, err
	}

	return n, nil
}

func (u *MultipartUploader) loadOrCreateManifest(ctx context.Context, fileSize int64) (*manifest, error) {
	path := u.manifestPath()

	data, err := os.ReadFile(path)
	if err == nil {
		m := &manifest{}
		if err := json.Unmarshal(data, m); err == nil && m.MultipartID != "" {
			return m, nil
		}

		u.logger.Warn("discarding corrupt upload journal", "path", path)
		os.Remove(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("uploader: reading journal %s: %w", path, err)
	}

	out, err := u.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating multipart upload for %s: %v", ErrConnection, u.key, err)
	}

	m := &manifest{
		MultipartID:       aws.StringValue(out.UploadId),
		CurrentPartNumber: 1,
		File:              u.filePath,
		TotalBytes:        fileSize,
		PartSize:          u.partSize,
		Parts:             []part{},
	}

	if err := u.saveManifest(m); err != nil {
		return nil, err
	}

	return m, nil
}

func (u *MultipartUploader) saveManifest(m *manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("uploader: encoding journal: %w", err)
	}

	path := u.manifestPath()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("uploader: writing journal %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("uploader: replacing journal %s: %w", path, err)
	}

	return nil
}

func (u *MultipartUploader) complete(ctx context.Context, m *manifest) error {
	completed := make([]*s3.CompletedPart, len(m.Parts))
	for i, p := range m.Parts {
		completed[i] = &s3.CompletedPart{
			PartNumber: aws.Int64(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}

	_, err := u.s3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(m.MultipartID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("%w: completing upload of %s: %v", ErrConnection, u.key, err)
	}

	return nil
}

// Abort cancels the journaled upload and drops its server-side parts.
func (u *MultipartUploader) Abort(ctx context.Context) error {
	data, err := os.ReadFile(u.manifestPath())
	if err != nil {
		return fmt.Errorf("uploader: reading journal: %w", err)
	}

	m := &manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("uploader: parsing journal: %w", err)
	}

	_, err = u.s3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(m.MultipartID),
	})
	if err != nil {
		return fmt.Errorf("%w: aborting upload of %s: %v", ErrConnection, u.key, err)
	}

	os.Remove(u.manifestPath())

	return nil
}
