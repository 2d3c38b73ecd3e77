// Package index tracks the time span of data files in watched
// directories. Each entry records size, start and end times, and
// whether the file has already been diagnosed; time-range queries drive
// which files get collected for an upload window.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/coscene-io/coscout/internal/rule"
)

// FileState is the indexed view of one file or bag directory. EndTime
// may trail the true end while the file is still being written.
type FileState struct {
	Size        int64 `json:"size"`
	StartTime   int64 `json:"start_time,omitempty"`
	EndTime     int64 `json:"end_time,omitempty"`
	Unsupported bool  `json:"unsupported,omitempty"`
	IsDir       bool  `json:"is_dir,omitempty"`
	Processed   bool  `json:"processed,omitempty"`
}

// Handler classifies and reads one file format.
type Handler interface {
	Name() string
	// SupportsStatic marks formats whose finished files can be
	// diagnosed once, instead of being followed.
	SupportsStatic() bool
	Matches(path string) bool
	Size(path string) (int64, error)
	ComputeState(path string) (FileState, error)
	// Messages replays the file's decoded messages into emit until the
	// stream ends or emit returns false.
	Messages(ctx context.Context, path string, emit func(rule.Item) bool) error
}

// DefaultHandlers covers the supported formats.
func DefaultHandlers() []Handler {
	return []Handler{LogHandler{}, McapHandler{}, Ros1Handler{}, Ros2Handler{}}
}

// Index is the persistent path to FileState map.
type Index struct {
	path     string
	handlers []Handler
	logger   *slog.Logger

	mu    sync.Mutex
	state map[string]FileState
}

// NewIndex loads the index from path, starting empty when absent.
func NewIndex(path string, handlers []Handler, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		path:     path,
		handlers: handlers,
		logger:   logger,
		state:    map[string]FileState{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}

		return nil, fmt.Errorf("reading file index %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &idx.state); err != nil {
		logger.Warn("discarding corrupt file index", "path", path, "error", err)

		idx.state = map[string]FileState{}
	}

	return idx, nil
}

// Get returns the indexed state for an absolute path.
func (idx *Index) Get(path string) (FileState, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	st, ok := idx.state[path]

	return st, ok
}

func (idx *Index) set(path string, st FileState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.state[path] = st
}

// UpdateDir refreshes index entries for the direct children of dir.
// Entries whose size is unchanged are skipped; entries whose handler
// fails are marked unsupported so they are not retried every sweep.
// Deleted files are pruned, and the index is persisted at the end.
func (idx *Index) UpdateDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		idx.logger.Warn("scanning directory failed", "dir", dir, "error", err)

		return
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		for _, handler := range idx.handlers {
			if !handler.Matches(path) {
				continue
			}

			size, err := handler.Size(path)
			if err != nil {
				if st, ok := idx.Get(path); !ok || !st.Unsupported {
					idx.logger.Warn("sizing failed, marking unsupported",
						"path", path, "handler", handler.Name(), "error", err)
					idx.set(path, FileState{Unsupported: true})
				}

				continue
			}

			if st, ok := idx.Get(path); ok && st.Size == size {
				continue
			}

			st, err := handler.ComputeState(path)
			if err != nil {
				idx.logger.Warn("indexing failed, marking unsupported",
					"path", path, "handler", handler.Name(), "error", err)
				idx.set(path, FileState{Size: size, Unsupported: true})

				continue
			}

			idx.set(path, st)
		}
	}

	idx.pruneDeleted()

	if err := idx.Save(); err != nil {
		idx.logger.Warn("saving file index failed", "error", err)
	}
}

func (idx *Index) pruneDeleted() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for path := range idx.state {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			delete(idx.state, path)
		}
	}
}

// Save persists the index atomically.
func (idx *Index) Save() error {
	idx.mu.Lock()
	data, err := json.MarshalIndent(idx.state, "", "  ")
	idx.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encoding file index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return fmt.Errorf("creating file index dir: %w", err)
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing file index: %w", err)
	}

	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("replacing file index: %w", err)
	}

	return nil
}

// StaticFileDiagnosis runs the rule stream over a finished file once.
// The processed mark is set before diagnosing, so a crash mid-file
// cannot loop on it; a size change clears the mark via UpdateDir.
func (idx *Index) StaticFileDiagnosis(ctx context.Context, path string, emit func(rule.Item) bool) {
	for _, handler := range idx.handlers {
		if !handler.SupportsStatic() || !handler.Matches(path) {
			continue
		}

		st, ok := idx.Get(path)
		if !ok {
			idx.logger.Warn("file missing from index", "path", path)

			return
		}

		if st.Unsupported {
			return
		}

		size, err := handler.Size(path)
		if err != nil {
			return
		}

		if st.Processed && size == st.Size {
			return
		}

		idx.logger.Info("diagnosing file", "path", path, "handler", handler.Name())

		st.Processed = true
		idx.set(path, st)

		if err := idx.Save(); err != nil {
			idx.logger.Warn("saving file index failed", "error", err)
		}

		if err := handler.Messages(ctx, path, emit); err != nil {
			idx.logger.Warn("diagnosing file failed", "path", path, "error", err)
		}

		return
	}
}

// GetFiles returns indexed entries directly under dir whose time span
// overlaps [startTime, endTime]. Directories and files are queried
// separately via wantDirs.
func (idx *Index) GetFiles(dir string, startTime, endTime int64, wantDirs bool) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var files []string

	for path, st := range idx.state {
		if filepath.Dir(path) != dir {
			continue
		}

		if st.Unsupported || st.IsDir != wantDirs {
			continue
		}

		if st.StartTime <= endTime && st.EndTime >= startTime {
			files = append(files, path)
		}
	}

	return files
}
