package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/coscene-io/coscout/internal/rule"
)

// Ros2Handler indexes ROS2 bag directories: a metadata.yaml next to one
// or more sqlite .db3 storage files. The directory is treated as a
// single indexable unit, and its size counts only the bag files so
// unrelated siblings never retrigger processing.
type Ros2Handler struct{}

func (Ros2Handler) Name() string { return "ros2" }

func (Ros2Handler) SupportsStatic() bool { return true }

func (Ros2Handler) Matches(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}

	var hasDB, hasMetadata bool

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		switch {
		case entry.Name() == "metadata.yaml":
			hasMetadata = true
		case strings.HasSuffix(entry.Name(), ".db3"):
			hasDB = true
		}
	}

	return hasDB && hasMetadata
}

func (Ros2Handler) Size(path string) (int64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}

	var size int64

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		if entry.Name() != "metadata.yaml" && !strings.HasSuffix(entry.Name(), ".db3") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return 0, err
		}

		size += info.Size()
	}

	return size, nil
}

type ros2Metadata struct {
	Info struct {
		StartingTime struct {
			NanosecondsSinceEpoch int64 `yaml:"nanoseconds_since_epoch"`
		} `yaml:"starting_time"`
		Duration struct {
			Nanoseconds int64 `yaml:"nanoseconds"`
		} `yaml:"duration"`
	} `yaml:"rosbag2_bagfile_information"`
}

func (h Ros2Handler) ComputeState(path string) (FileState, error) {
	size, err := h.Size(path)
	if err != nil {
		return FileState{}, err
	}

	start, end, err := h.timeRange(path)
	if err != nil {
		return FileState{}, err
	}

	return FileState{Size: size, StartTime: start, EndTime: end, IsDir: true}, nil
}

// timeRange prefers metadata.yaml; bags cut short by a crash may have a
// stale one, so the storage files are the fallback.
func (h Ros2Handler) timeRange(path string) (int64, int64, error) {
	data, err := os.ReadFile(filepath.Join(path, "metadata.yaml"))
	if err == nil {
		var md ros2Metadata
		if err := yaml.Unmarshal(data, &md); err == nil && md.Info.StartingTime.NanosecondsSinceEpoch > 0 {
			startNs := md.Info.StartingTime.NanosecondsSinceEpoch
			endNs := startNs + md.Info.Duration.Nanoseconds

			return startNs / 1e9, endNs / 1e9, nil
		}
	}

	var (
		startNs, endNs int64
		found          bool
	)

	for _, db := range h.storageFiles(path) {
		s, e, err := ros2StorageTimeRange(db)
		if err != nil {
			continue
		}

		if !found || s < startNs {
			startNs = s
		}

		if !found || e > endNs {
			endNs = e
		}

		found = true
	}

	if !found {
		return 0, 0, fmt.Errorf("ros2 bag %s has no message times", path)
	}

	return startNs / 1e9, endNs / 1e9, nil
}

func (Ros2Handler) storageFiles(path string) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}

	var files []string

	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".db3") {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}

	return files
}

func openRos2Storage(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening ros2 storage %s: %w", path, err)
	}

	return db, nil
}

func ros2StorageTimeRange(path string) (int64, int64, error) {
	db, err := openRos2Storage(path)
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	var start, end sql.NullInt64

	row := db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM messages")
	if err := row.Scan(&start, &end); err != nil {
		return 0, 0, fmt.Errorf("querying ros2 storage %s: %w", path, err)
	}

	if !start.Valid || !end.Valid {
		return 0, 0, fmt.Errorf("ros2 storage %s is empty", path)
	}

	return start.Int64, end.Int64, nil
}

// Messages replays the bag in timestamp order. CDR payloads stay
// opaque; topic and type matching still applies.
func (h Ros2Handler) Messages(ctx context.Context, path string, emit func(rule.Item) bool) error {
	for _, storage := range h.storageFiles(path) {
		stop, err := ros2StorageMessages(ctx, storage, emit)
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}

	return nil
}

func ros2StorageMessages(ctx context.Context, path string, emit func(rule.Item) bool) (bool, error) {
	db, err := openRos2Storage(path)
	if err != nil {
		return false, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT topics.name, topics.type, messages.timestamp
		 FROM messages JOIN topics ON messages.topic_id = topics.id
		 ORDER BY messages.timestamp`)
	if err != nil {
		return false, fmt.Errorf("querying ros2 storage %s: %w", path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			topic, msgtype string
			ts             int64
		)

		if err := rows.Scan(&topic, &msgtype, &ts); err != nil {
			return false, fmt.Errorf("scanning ros2 storage %s: %w", path, err)
		}

		item := rule.Item{Topic: topic, Ts: ts / 1e9, Msgtype: msgtype}
		if !emit(item) {
			return true, nil
		}
	}

	return false, rows.Err()
}
