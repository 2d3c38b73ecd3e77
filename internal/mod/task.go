package mod

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/recordcache"
)

// taskHandler turns pending platform upload tasks into record caches.
// The configured upload_files entries are taken verbatim when they name
// files; directories are filtered by mtime within the task's window.
type taskHandler struct {
	client      api.Client
	uploadFiles []string
	recordsDir  string
	logger      *slog.Logger
}

func (h *taskHandler) run(ctx context.Context) error {
	st := h.client.State()
	if st.Device == nil || st.Device.Name == "" {
		return nil
	}

	tasks, err := h.client.ListDeviceTasks(ctx, st.Device.Name, api.TaskStatePending)
	if err != nil {
		return fmt.Errorf("listing pending tasks: %w", err)
	}

	for _, task := range tasks {
		if err := h.handleUploadTask(ctx, task); err != nil {
			h.logger.Warn("handling upload task failed", "task", task.Name, "error", err)
		}
	}

	return nil
}

func (h *taskHandler) handleUploadTask(ctx context.Context, task api.Task) error {
	if task.Name == "" {
		return nil
	}

	var startTime, endTime time.Time
	if task.UploadTaskDetail != nil {
		startTime = parseTaskTime(task.UploadTaskDetail.StartTime)
		endTime = parseTaskTime(task.UploadTaskDetail.EndTime)
	}

	if err := h.client.UpdateTaskState(ctx, task.Name, api.TaskStateProcessing); err != nil {
		return err
	}

	var files []recordcache.FileInfo

	for _, entry := range h.uploadFiles {
		info, err := os.Stat(entry)
		if err != nil {
			h.logger.Warn("upload file missing, skipping", "path", entry)

			continue
		}

		if info.IsDir() {
			files = append(files, resolveDir(entry, startTime, endTime)...)
		} else if info.Mode().IsRegular() {
			files = append(files, recordcache.FileInfo{
				Filepath: entry,
				Filename: filepath.Base(entry),
			})
		}
	}

	files = uniqueByFilename(files)

	if len(files) == 0 {
		h.logger.Info("no files matched upload task", "task", task.Name)

		return h.client.UpdateTaskState(ctx, task.Name, api.TaskStateSucceeded)
	}

	projectName, eventCode := splitTaskName(task.Name)

	rc := recordcache.New(h.recordsDir, time.Now().UnixMilli(), eventCode)
	rc.ProjectName = projectName
	rc.Task = recordcache.TaskInfo{Name: task.Name, Title: task.Title}
	rc.AddFiles(files...)

	if err := rc.Save(); err != nil {
		return err
	}

	h.logger.Info("upload task converted to record", "task", task.Name, "record", rc.Key())

	return nil
}

// splitTaskName derives the project resource name and the task id from
// a task name of the form warehouses/x/projects/y/tasks/z.
func splitTaskName(taskName string) (projectName, taskID string) {
	projectName, _, _ = strings.Cut(taskName, "/tasks/")
	taskID = taskName[strings.LastIndex(taskName, "/")+1:]

	return projectName, taskID
}

func parseTaskTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}

	return t
}

// resolveDir collects the files under dir modified within the window.
func resolveDir(dir string, startTime, endTime time.Time) []recordcache.FileInfo {
	var files []recordcache.FileInfo

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		mtime := info.ModTime()
		if mtime.Before(startTime) || mtime.After(endTime) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}

		files = append(files, recordcache.FileInfo{
			Filepath: path,
			Filename: filepath.ToSlash(rel),
		})

		return nil
	})

	return files
}

// uniqueByFilename keeps the first file seen for each upload name.
func uniqueByFilename(files []recordcache.FileInfo) []recordcache.FileInfo {
	seen := make(map[string]bool, len(files))
	out := files[:0]

	for _, f := range files {
		if seen[f.Filename] {
			continue
		}

		seen[f.Filename] = true
		out = append(out, f)
	}

	return out
}
