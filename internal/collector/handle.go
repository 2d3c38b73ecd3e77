// Package collector drives staged records through creation and upload,
// and owns the top-level sweep loop.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/config"
	"github.com/coscene-io/coscout/internal/netusage"
	"github.com/coscene-io/coscout/internal/recordcache"
	"github.com/coscene-io/coscout/internal/uploader"
)

// finishFlagName marks a record as fully uploaded; its content lists the
// original source paths.
const finishFlagName = "finish.flag"

// uploadCompleteLabel is appended to the record once every file landed.
const uploadCompleteLabel = "上传完成"

// Collector advances record caches through the create-and-upload state
// machine. One record at a time; the sweep loop calls HandleRecord for
// every cache on disk.
type Collector struct {
	conf   config.CollectorConfig
	client api.Client
	codes  *codelimit.Manager
	table  codelimit.Table
	meter  *netusage.Meter
	logger *slog.Logger
}

func New(conf config.CollectorConfig, client api.Client, codes *codelimit.Manager, meter *netusage.Meter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		conf:   conf,
		client: client,
		codes:  codes,
		table:  codelimit.Table{},
		meter:  meter,
		logger: logger,
	}
}

// SetTable installs the event-code message table.
func (c *Collector) SetTable(table codelimit.Table) {
	if table != nil {
		c.table = table
	}
}

// HandleRecord advances one record as far as it can go this tick. The
// state file is persisted before any effect that cannot be re-derived
// locally, so a crash always resumes forward.
func (c *Collector) HandleRecord(ctx context.Context, rc *recordcache.RecordCache) error {
	c.client.SetProjectName(rc.ProjectName)

	if rc.Skipped {
		return nil
	}

	if rc.Record.Name == "" && rc.EventCode != "" && c.codes.IsOverLimit(rc.EventCode) {
		return c.skipRecord(ctx, rc)
	}

	if rc.Record.Name == "" {
		if err := c.createRecord(ctx, rc); err != nil {
			return err
		}
	}

	if !rc.Uploaded {
		return c.uploadRecord(ctx, rc)
	}

	return nil
}

// skipRecord retires an over-limit record without uploading.
func (c *Collector) skipRecord(ctx context.Context, rc *recordcache.RecordCache) error {
	c.logger.Warn("event code over limit, skipping record",
		"code", rc.EventCode, "record", rc.Key())

	if rc.Task.Name != "" {
		if err := c.client.UpdateTaskState(ctx, rc.Task.Name, api.TaskStateSucceeded); err != nil {
			return err
		}
	}

	rc.Skipped = true
	if err := rc.Save(); err != nil {
		return err
	}

	rc.DeleteCacheDir(c.conf.DeleteAfterIntervalInHours, c.logger)

	return nil
}

// createRecord stages the source files into the record directory and
// creates the server-side record, events, and tasks.
func (c *Collector) createRecord(ctx context.Context, rc *recordcache.RecordCache) error {
	staged := make([]recordcache.FileInfo, 0, len(rc.Files))

	for _, f := range rc.Files {
		if f.Filename == finishFlagName {
			continue
		}

		info, err := os.Stat(f.Filepath)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		target := filepath.Join(rc.BaseDir(), f.Filename)
		linked, err := hardlink(f.Filepath, target)
		if err != nil {
			c.logger.Warn("staging file failed", "path", f.Filepath, "error", err)

			continue
		}

		fi := recordcache.FileInfo{Filepath: linked, Filename: f.Filename}
		if err := fi.Complete(true, false); err != nil {
			c.logger.Warn("hashing staged file failed", "path", linked, "error", err)

			continue
		}

		staged = append(staged, fi)
	}

	rc.Files = staged

	title := c.recordTitle(rc)

	deviceName := ""
	if dev := c.client.State().Device; dev != nil {
		deviceName = dev.Name
	}

	record, err := c.client.CreateOrGetRecord(ctx, title, c.recordDescription(title, rc),
		rc.Labels, deviceName, rc.Record.Name)
	if err != nil {
		return err
	}

	rc.Record = recordcache.RecordInfo{
		Name:        record.Name,
		Title:       record.Title,
		Description: record.Description,
	}

	// Persist immediately so a reconnect never creates a second record.
	if err := rc.Save(); err != nil {
		return err
	}

	c.codes.Hit(rc.EventCode)
	c.uploadThumbnail(ctx, rc)
	c.createMoments(ctx, rc, title, deviceName)

	return nil
}

func (c *Collector) recordTitle(rc *recordcache.RecordCache) string {
	if rc.Record.Title != "" {
		return rc.Record.Title
	}

	if rc.Task.Title != "" {
		return rc.Task.Title
	}

	trigger := time.UnixMilli(rc.Timestamp).Format("2006-01-02T15:04:05")

	return fmt.Sprintf("%s (%s) @ %s", c.table.Message(rc.EventCode), rc.EventCode, trigger)
}

func (c *Collector) recordDescription(title string, rc *recordcache.RecordCache) string {
	if rc.Record.Description != "" {
		return rc.Record.Description
	}

	var b strings.Builder

	fmt.Fprintf(&b, "### %s\n", title)
	fmt.Fprintf(&b, "the record is triggered @ %d\n", rc.Timestamp)
	fmt.Fprintf(&b, "the files are from %s\n", rc.BaseDir())
	b.WriteString("on robot:\n")

	if dev := c.client.State().Device; dev != nil {
		for _, label := range dev.Labels {
			b.WriteString("\n" + label.DisplayName)
		}
	}

	return b.String()
}

// uploadThumbnail pushes the first image among the staged files to the
// record's thumbnail slot. Best effort.
func (c *Collector) uploadThumbnail(ctx context.Context, rc *recordcache.RecordCache) {
	for _, f := range rc.Files {
		if !isImage(f.Filename) {
			continue
		}

		uploadURL, err := c.client.GenerateRecordThumbnailUploadURL(ctx, rc.Record.Name)
		if err != nil || uploadURL == "" {
			return
		}

		if err := c.client.UploadFile(ctx, uploadURL, f.Filepath); err != nil {
			c.logger.Warn("uploading thumbnail failed", "path", f.Filepath, "error", err)
		}

		return
	}
}

func isImage(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

func (c *Collector) createMoments(ctx context.Context, rc *recordcache.RecordCache, title, deviceName string) {
	for _, m := range rc.Moments {
		displayName := m.Title
		if displayName == "" {
			displayName = title
		}

		description := m.Description
		if description == "" {
			description = title
		}

		_, err := c.client.CreateEvent(ctx, api.EventRequest{
			RecordName:       rc.Record.Name,
			DisplayName:      displayName,
			Description:      description,
			TriggerTime:      time.UnixMilli(m.Timestamp),
			Duration:         time.Duration(m.Duration) * time.Millisecond,
			CustomizedFields: m.Metadata,
			DeviceName:       deviceName,
		})
		if err != nil {
			c.logger.Warn("creating event failed", "record", rc.Key(), "error", err)

			continue
		}

		if m.CreateTask {
			if _, err := c.client.CreateTask(ctx, rc.Record.Name, displayName, description, m.AssignTo); err != nil {
				c.logger.Warn("creating moment task failed", "record", rc.Key(), "error", err)
			}
		}
	}
}

// uploadRecord pushes every staged file, then finalizes the record.
func (c *Collector) uploadRecord(ctx context.Context, rc *recordcache.RecordCache) error {
	present, err := rc.ListFiles()
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool, len(present))
	for _, p := range present {
		onDisk[p] = true
	}

	kept := rc.Files[:0]

	for _, f := range rc.Files {
		if onDisk[f.Filepath] {
			kept = append(kept, f)
		}
	}

	rc.Files = kept

	allCompleted := c.resumableUpload(ctx, rc.Record.Name, rc.Files, true)
	if !allCompleted {
		return nil
	}

	if !c.uploadFinishFlag(ctx, rc) {
		c.logger.Error("uploading finish flag failed", "record", rc.Key())

		return nil
	}

	labels := append(append([]string(nil), rc.Labels...), uploadCompleteLabel)
	if _, err := c.client.UpdateRecord(ctx, rc.Record.Name, "", "", labels); err != nil {
		return err
	}

	if rc.Task.Name != "" {
		if err := c.client.AddTaskTags(ctx, rc.Task.Name, map[string]string{"recordName": rc.Record.Name}); err != nil {
			return err
		}

		if err := c.client.UpdateTaskState(ctx, rc.Task.Name, api.TaskStateSucceeded); err != nil {
			return err
		}
	}

	rc.Uploaded = true
	if err := rc.Save(); err != nil {
		return err
	}

	c.logger.Info("record uploaded", "record", rc.Key())

	if c.conf.DeleteAfterUpload {
		rc.DeleteCacheDir(0, c.logger)
	}

	return nil
}

// uploadFinishFlag writes and uploads the end-of-record marker. Its
// presence server-side tells consumers the record is complete.
func (c *Collector) uploadFinishFlag(ctx context.Context, rc *recordcache.RecordCache) bool {
	path := filepath.Join(rc.BaseDir(), finishFlagName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, err := json.MarshalIndent(rc.SrcPaths, "", "  ")
		if err != nil {
			return false
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			c.logger.Warn("writing finish flag failed", "error", err)

			return false
		}
	}

	fi := recordcache.FileInfo{Filepath: path, Filename: finishFlagName}
	if err := fi.Complete(true, false); err != nil {
		return false
	}

	return c.resumableUpload(ctx, rc.Record.Name, []recordcache.FileInfo{fi}, true)
}

// resumableUpload transfers the files in ascending size order, one at a
// time, removing each local copy after it lands. It reports whether
// every file completed; failures retry on the next sweep.
func (c *Collector) resumableUpload(ctx context.Context, recordName string, files []recordcache.FileInfo, removeAfter bool) bool {
	if len(files) == 0 {
		return true
	}

	rn, err := api.ParseRecordName(recordName)
	if err != nil {
		c.logger.Error("invalid record name", "name", recordName, "error", err)

		return false
	}

	projectName := api.NewProjectName(rn.WarehouseID, rn.ProjectID)

	token, err := c.client.GenerateSecurityToken(ctx, projectName.Name)
	if err != nil {
		c.logger.Warn("minting security token failed", "error", err)

		return false
	}

	s3c, err := uploader.NewS3Client(token)
	if err != nil {
		c.logger.Warn("building s3 client failed", "error", err)

		return false
	}

	sorted := make([]recordcache.FileInfo, len(files))
	copy(sorted, files)

	for i := range sorted {
		if err := sorted[i].Complete(false, true); err != nil {
			c.logger.Warn("sizing upload failed", "path", sorted[i].Filepath, "error", err)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	allCompleted := true

	for _, f := range sorted {
		up, err := uploader.NewMultipartUploader(s3c, uploader.Bucket,
			uploader.ObjectKey(rn, f.Filename), f.Filepath, c.meter, c.logger)
		if err != nil {
			c.logger.Warn("preparing upload failed", "path", f.Filepath, "error", err)
			allCompleted = false

			continue
		}

		done, err := up.Upload(ctx)
		if err != nil {
			c.logger.Warn("upload failed, will retry next sweep", "path", f.Filepath, "error", err)
			allCompleted = false

			continue
		}

		if !done {
			allCompleted = false

			continue
		}

		if removeAfter {
			if err := os.Remove(f.Filepath); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("removing uploaded file failed", "path", f.Filepath, "error", err)
			}
		}
	}

	return allCompleted
}

// hardlink links src to dst, falling back to a copy across filesystems.
// The returned path is always dst.
func hardlink(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if err := os.Link(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return "", err
	}

	if err := out.Close(); err != nil {
		return "", err
	}

	return dst, nil
}
