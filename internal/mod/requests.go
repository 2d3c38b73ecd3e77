package mod

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coscene-io/coscout/internal/index"
	"github.com/coscene-io/coscout/internal/recordcache"
	"github.com/coscene-io/coscout/internal/rule"
)

// uploadRequest is the on-disk upload-request file. The rule engine
// writes it with flag=false; staging fills in the collected paths and
// flips the flag; materialization converts it into a record cache.
type uploadRequest struct {
	Flag        bool            `json:"flag"`
	ProjectName string          `json:"projectName,omitempty"`
	Record      rule.CutRecord  `json:"record"`
	Cut         *rule.CutWindow `json:"cut,omitempty"`

	Bag   []string `json:"bag,omitempty"`
	Log   []string `json:"log,omitempty"`
	Files []string `json:"files,omitempty"`
	Dirs  []string `json:"dirs,omitempty"`
	Zips  []string `json:"zips,omitempty"`

	StartTime     int64    `json:"startTime,omitempty"`
	PathsToDelete []string `json:"paths_to_delete,omitempty"`
	Uploaded      bool     `json:"uploaded,omitempty"`
	Skipped       bool     `json:"skipped,omitempty"`
}

func loadRequest(path string) (*uploadRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading upload request: %w", err)
	}

	req := &uploadRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("parsing upload request: %w", err)
	}

	return req, nil
}

func saveRequest(path string, req *uploadRequest) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding upload request: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing upload request: %w", err)
	}

	return nil
}

// stageRequest collects the files of a request whose cut window has
// closed, copying time slices into a per-request temp dir.
func (m *DefaultMod) stageRequest(ctx context.Context, path string) error {
	req, err := loadRequest(path)
	if err != nil {
		return err
	}

	if req.Flag || req.Cut == nil {
		return nil
	}

	// The window must be fully in the past before cutting.
	if time.Now().Unix() < req.Cut.End {
		return nil
	}

	id := strings.TrimSuffix(filepath.Base(path), ".json")

	tempDir := filepath.Join(m.tempDir, id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}

	var rawFiles, rawDirs []string

	for _, dir := range m.conf.BaseDirs {
		rawFiles = append(rawFiles, m.idx.GetFiles(dir, req.Cut.Start, req.Cut.End, false)...)
		rawDirs = append(rawDirs, m.idx.GetFiles(dir, req.Cut.Start, req.Cut.End, true)...)
	}

	rawFiles = append(rawFiles, req.Cut.ExtraFiles...)

	m.logger.Info("staging upload request",
		"request", id, "start", req.Cut.Start, "end", req.Cut.End,
		"files", len(rawFiles), "dirs", len(rawDirs))

	for _, dir := range rawDirs {
		dst := filepath.Join(tempDir, filepath.Base(dir))
		if err := copyTree(dir, dst); err != nil {
			m.logger.Warn("copying bag dir failed", "dir", dir, "error", err)

			continue
		}

		req.Dirs = append(req.Dirs, dst)
	}

	for _, file := range rawFiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := os.Stat(file)
		if err != nil {
			m.logger.Warn("cut source missing", "path", file, "error", err)

			continue
		}

		switch {
		case info.IsDir():
			dst := filepath.Join(tempDir, filepath.Base(file)+".zip")
			if err := zipDir(file, dst); err != nil {
				m.logger.Warn("zipping dir failed", "dir", file, "error", err)

				continue
			}

			req.Zips = append(req.Zips, dst)
		case strings.HasSuffix(file, ".log"):
			dst, err := index.PrepareLogCut(file, tempDir)
			if err != nil {
				m.logger.Warn("cutting log failed", "path", file, "error", err)

				continue
			}

			req.Log = append(req.Log, dst)
		case strings.HasSuffix(file, ".bag"):
			dst, err := copyFile(file, tempDir)
			if err != nil {
				m.logger.Warn("copying bag failed", "path", file, "error", err)

				continue
			}

			req.Bag = append(req.Bag, dst)
		default:
			dst, err := copyFile(file, tempDir)
			if err != nil {
				m.logger.Warn("copying file failed", "path", file, "error", err)

				continue
			}

			req.Files = append(req.Files, dst)
		}
	}

	req.Flag = true
	// Jitter keeps simultaneously staged requests in distinct records.
	req.StartTime = time.Now().UnixMilli() + rand.Int63n(1000) + 1
	req.PathsToDelete = []string{tempDir}

	return saveRequest(path, req)
}

// materializeRequest converts a fully staged request into a record
// cache, then marks the request uploaded so it is handled once.
func (m *DefaultMod) materializeRequest(path string) error {
	req, err := loadRequest(path)
	if err != nil {
		return err
	}

	if !req.Flag || req.Uploaded || req.Skipped {
		return nil
	}

	// Every collected source vanished before staging finished. There is
	// nothing worth a record, so the request is closed out as skipped.
	if len(req.Bag)+len(req.Log)+len(req.Files)+len(req.Zips)+len(req.Dirs) == 0 {
		m.logger.Info("upload request collected no files, skipping",
			"request", filepath.Base(path))

		req.Skipped = true

		return saveRequest(path, req)
	}

	rc := recordcache.New(m.opts.Paths.RecordsDir(), req.StartTime, "")
	if _, err := os.Stat(rc.StatePath()); err == nil {
		if loaded, err := recordcache.Load(rc.BaseDir()); err == nil {
			rc = loaded
		}
	}

	if req.ProjectName != "" {
		rc.ProjectName = req.ProjectName
	}

	// The request file itself is uploaded alongside the data.
	target := filepath.Join(rc.BaseDir(), filepath.Base(path))
	if _, err := os.Stat(target); os.IsNotExist(err) {
		if _, err := copyFile(path, rc.BaseDir()); err != nil {
			return fmt.Errorf("copying request into record: %w", err)
		}
	}

	var infos []recordcache.FileInfo

	infos = append(infos, recordcache.FileInfo{Filepath: target, Filename: filepath.Base(target)})

	groups := []struct {
		prefix string
		files  []string
	}{{"bag", req.Bag}, {"log", req.Log}, {"files", req.Files}}

	for _, group := range groups {
		prefix := group.prefix
		for _, file := range group.files {
			infos = append(infos, recordcache.FileInfo{
				Filepath: file,
				Filename: prefix + "/" + filepath.Base(file),
			})
		}
	}

	for _, file := range req.Zips {
		infos = append(infos, recordcache.FileInfo{Filepath: file, Filename: filepath.Base(file)})
	}

	for _, dir := range req.Dirs {
		parent := filepath.Dir(dir)

		filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(parent, p)
			if err != nil {
				return nil
			}

			infos = append(infos, recordcache.FileInfo{Filepath: p, Filename: filepath.ToSlash(rel)})

			return nil
		})
	}

	rc.Files = nil
	rc.SrcPaths = nil
	rc.AddFiles(infos...)

	rc.Record.Title = req.Record.Title
	if rc.Record.Title == "" {
		rc.Record.Title = fmt.Sprintf("Device Auto Upload - %d", rc.Timestamp)
	}

	rc.Record.Description = req.Record.Description
	if rc.Record.Description == "" {
		rc.Record.Description = "Device Auto Upload"
	}

	rc.Labels = req.Record.Labels
	rc.PathsToDelete = req.PathsToDelete

	if err := rc.Save(); err != nil {
		return err
	}

	m.logger.Info("upload request converted to record", "record", rc.Key())

	req.Uploaded = true

	return saveRequest(path, req)
}
