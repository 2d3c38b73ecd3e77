package recordcache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StateRelativePath locates the state file inside a record directory.
// The .cos directory is excluded from uploads.
const StateRelativePath = ".cos/state.json"

// RecordInfo is the server-side identity of a record, filled once the
// record has been created on the platform.
type RecordInfo struct {
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// TaskInfo links a record to an originating platform task.
type TaskInfo struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
}

// Moment is an annotation to create on the record, with millisecond
// timestamps.
type Moment struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Duration    int64             `json:"duration,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// CreateTask asks for a platform task assigned to AssignTo.
	CreateTask bool   `json:"create_task,omitempty"`
	AssignTo   string `json:"assign_to,omitempty"`
}

// RecordCache is the persisted state of one record from staging through
// upload. A record is fresh (neither skipped nor uploaded and no server
// record yet), skipped, created, or uploaded.
type RecordCache struct {
	Uploaded    bool   `json:"uploaded"`
	Skipped     bool   `json:"skipped"`
	EventCode   string `json:"event_code,omitempty"`
	ProjectName string `json:"project_name,omitempty"`

	// Milliseconds since epoch; fixes the record key.
	Timestamp int64      `json:"timestamp"`
	Labels    []string   `json:"labels,omitempty"`
	Record    RecordInfo `json:"record,omitempty"`
	Moments   []Moment   `json:"moments,omitempty"`
	Task      TaskInfo   `json:"task,omitempty"`

	// Files are the original source paths; FileInfos carry the staged
	// copies with frozen size and hash.
	Files    []FileInfo `json:"file_infos,omitempty"`
	SrcPaths []string   `json:"files,omitempty"`
	// PathsToDelete are source paths removed together with the record
	// directory once the delete policy fires.
	PathsToDelete []string `json:"paths_to_delete,omitempty"`

	baseDir string
}

// New builds a cache rooted under recordsDir with the given timestamp
// and optional event code.
func New(recordsDir string, timestampMs int64, eventCode string) *RecordCache {
	rc := &RecordCache{Timestamp: timestampMs, EventCode: eventCode}
	rc.baseDir = filepath.Join(recordsDir, rc.Key())

	return rc
}

// Key derives the record directory name from the timestamp (UTC) and
// event code. Same inputs always yield the same key.
func (rc *RecordCache) Key() string {
	t := time.UnixMilli(rc.Timestamp).UTC()
	ts := fmt.Sprintf("%s_%d", t.Format("2006-01-02-15-04-05"), rc.Timestamp%1000)

	if rc.EventCode != "" {
		return rc.EventCode + "_" + ts
	}

	return ts
}

// BaseDir is the record's directory under the records root.
func (rc *RecordCache) BaseDir() string {
	return rc.baseDir
}

// StatePath is the record's state file.
func (rc *RecordCache) StatePath() string {
	return filepath.Join(rc.baseDir, StateRelativePath)
}

// IsFresh reports whether the record has not yet been decided on.
func (rc *RecordCache) IsFresh() bool {
	return !rc.Skipped && !rc.Uploaded && rc.Record.Name == ""
}

// Save writes the state file atomically, creating the record directory
// as needed.
func (rc *RecordCache) Save() error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record state: %w", err)
	}

	path := rc.StatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating record state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing record state: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("replacing record state: %w", err)
	}

	return nil
}

// Load reads a record state file from a record directory.
func Load(recordDir string) (*RecordCache, error) {
	path := filepath.Join(recordDir, StateRelativePath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading record state %s: %w", path, err)
	}

	rc := &RecordCache{}
	if err := json.Unmarshal(data, rc); err != nil {
		return nil, fmt.Errorf("parsing record state %s: %w", path, err)
	}

	rc.baseDir = recordDir

	// Either list may be absent in older state files.
	if len(rc.SrcPaths) == 0 {
		for _, f := range rc.Files {
			rc.SrcPaths = append(rc.SrcPaths, f.Filepath)
		}
	} else if len(rc.Files) == 0 {
		for _, p := range rc.SrcPaths {
			rc.Files = append(rc.Files, FileInfo{Filepath: p, Filename: filepath.Base(p)})
		}
	}

	return rc, nil
}

// AddFiles appends file infos, dropping duplicates while keeping the
// first-seen order.
func (rc *RecordCache) AddFiles(infos ...FileInfo) {
	seen := make(map[string]bool, len(rc.Files))
	for _, f := range rc.Files {
		seen[f.Filepath] = true
	}

	for _, f := range infos {
		if seen[f.Filepath] {
			continue
		}

		seen[f.Filepath] = true
		rc.Files = append(rc.Files, f)
		rc.SrcPaths = append(rc.SrcPaths, f.Filepath)
	}
}

// ListFiles walks the record directory for regular files outside .cos.
func (rc *RecordCache) ListFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(rc.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == ".cos" {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing record files: %w", err)
	}

	return files, nil
}

// DeleteCacheDir removes the record directory and any registered source
// paths once the record is older than delayHours. A negative delay
// disables deletion.
func (rc *RecordCache) DeleteCacheDir(delayHours int, logger *slog.Logger) {
	if delayHours < 0 {
		return
	}

	age := time.Since(time.UnixMilli(rc.Timestamp))
	if age < time.Duration(delayHours)*time.Hour {
		return
	}

	if err := os.RemoveAll(rc.baseDir); err != nil {
		logger.Warn("deleting record dir failed", "dir", rc.baseDir, "error", err)

		return
	}

	logger.Info("expired record deleted", "key", rc.Key())

	for _, p := range rc.PathsToDelete {
		if err := os.RemoveAll(p); err != nil {
			logger.Warn("deleting source path failed", "path", p, "error", err)
		}
	}
}

// FindAll loads every record under recordsDir, deleting directories with
// unreadable state files so they never wedge the sweep.
func FindAll(recordsDir string, logger *slog.Logger) ([]*RecordCache, error) {
	if err := os.MkdirAll(recordsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating records dir: %w", err)
	}

	entries, err := os.ReadDir(recordsDir)
	if err != nil {
		return nil, fmt.Errorf("reading records dir: %w", err)
	}

	var records []*RecordCache

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(recordsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, StateRelativePath)); err != nil {
			continue
		}

		rc, err := Load(dir)
		if err != nil {
			logger.Warn("deleting record with corrupt state", "dir", dir, "error", err)
			os.RemoveAll(dir)

			continue
		}

		records = append(records, rc)
	}

	return records, nil
}
