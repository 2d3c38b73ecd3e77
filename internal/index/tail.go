package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coscene-io/coscout/internal/rule"
)

const tailRescanInterval = 5 * time.Second

// TailFollower streams appended log lines from watched directories into
// the rule engine. Filesystem notifications wake it early; a periodic
// rescan catches anything the watcher missed.
type TailFollower struct {
	logger *slog.Logger

	mu   sync.Mutex
	dirs []string

	files map[string]*tailState
}

type tailState struct {
	offset      int64
	hint        time.Time
	enc         string
	remainder   string
	lastTs      int64
	unsupported bool
}

func NewTailFollower(logger *slog.Logger) *TailFollower {
	if logger == nil {
		logger = slog.Default()
	}

	return &TailFollower{logger: logger, files: map[string]*tailState{}}
}

// SetDirs replaces the watched directory set.
func (t *TailFollower) SetDirs(dirs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dirs = append([]string(nil), dirs...)
}

func (t *TailFollower) watchedDirs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.dirs...)
}

// Run follows the logs until ctx is done or emit returns false. New
// files start from their end so old content is not replayed.
func (t *TailFollower) Run(ctx context.Context, emit func(rule.Item) bool) error {
	t.scanNewFiles(true)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("filesystem watcher unavailable, relying on rescans", "error", err)
	} else {
		defer watcher.Close()

		for _, dir := range t.watchedDirs() {
			if err := watcher.Add(dir); err != nil {
				t.logger.Warn("watching directory failed", "dir", dir, "error", err)
			}
		}
	}

	ticker := time.NewTicker(tailRescanInterval)
	defer ticker.Stop()

	for {
		var wake <-chan fsnotify.Event
		if watcher != nil {
			wake = watcher.Events
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}

		t.scanNewFiles(false)

		if !t.pump(emit) {
			return nil
		}
	}
}

// scanNewFiles registers unseen .log files. Files whose head and tail
// yield no timestamp are marked and never followed.
func (t *TailFollower) scanNewFiles(fromEnd bool) {
	for _, dir := range t.watchedDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".log") {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			if _, ok := t.files[path]; ok {
				continue
			}

			t.logger.Info("following new log file", "path", path)

			if _, ok := startTimestamp(path); !ok {
				t.logger.Warn("no parsable timestamps, not following", "path", path)
				t.files[path] = &tailState{unsupported: true}

				continue
			}

			enc := detectEncoding(path)
			st := &tailState{enc: enc, hint: timestampHint(path, enc)}

			if fromEnd {
				if info, err := os.Stat(path); err == nil {
					st.offset = info.Size()
				}
			}

			t.files[path] = st
		}
	}
}

// pump drains appended bytes from every followed file. It returns false
// when emit stopped the stream.
func (t *TailFollower) pump(emit func(rule.Item) bool) bool {
	now := time.Now().In(logZone)

	for path, st := range t.files {
		if st.unsupported {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			t.logger.Warn("followed file gone", "path", path)
			delete(t.files, path)

			continue
		}

		if info.Size() <= st.offset {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			continue
		}

		buf := make([]byte, info.Size()-st.offset)
		n, _ := f.ReadAt(buf, st.offset)
		f.Close()

		if n <= 0 {
			continue
		}

		st.offset += int64(n)

		text := st.remainder + decodeChunk(buf[:n], st.enc)
		lines := strings.Split(text, "\n")
		st.remainder = lines[len(lines)-1]

		for _, line := range lines[:len(lines)-1] {
			if ts, ok := timestampFromLine(line, st.hint, now); ok {
				st.lastTs = ts.Unix()
			}

			// Lines before the first timestamp have no usable position.
			if st.lastTs == 0 {
				continue
			}

			item := rule.Item{
				Topic:   path,
				Msg:     rule.LogMessage{Message: line},
				Ts:      st.lastTs,
				Msgtype: rule.LogMsgtype,
			}
			if !emit(item) {
				return false
			}
		}
	}

	return true
}
