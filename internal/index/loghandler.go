package index

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/coscene-io/coscout/internal/rule"
)

// LogHandler indexes plain .log files by their line timestamps. Log
// files keep growing, so they are never diagnosed statically; the tail
// follower feeds their lines to the rule engine instead.
type LogHandler struct{}

func (LogHandler) Name() string { return "log" }

func (LogHandler) SupportsStatic() bool { return false }

func (LogHandler) Matches(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	return strings.HasSuffix(path, ".log")
}

func (LogHandler) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (h LogHandler) ComputeState(path string) (FileState, error) {
	size, err := h.Size(path)
	if err != nil {
		return FileState{}, err
	}

	start, ok := startTimestamp(path)
	if !ok {
		return FileState{}, fmt.Errorf("no start timestamp found in %s", path)
	}

	end, ok := endTimestamp(path)
	if !ok {
		return FileState{}, fmt.Errorf("no end timestamp found in %s", path)
	}

	return FileState{Size: size, StartTime: start, EndTime: end}, nil
}

func (LogHandler) Messages(ctx context.Context, path string, emit func(rule.Item) bool) error {
	return fmt.Errorf("log files are consumed by the tail follower, not message iteration")
}

// PrepareLogCut copies a log file into targetDir, transcoding GB2312
// sources to UTF-8 so downstream viewers get one encoding.
func PrepareLogCut(srcPath, targetDir string) (string, error) {
	dstPath := filepath.Join(targetDir, filepath.Base(srcPath))

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dstPath, err)
	}
	defer dst.Close()

	var reader io.Reader = src
	if detectEncoding(srcPath) == encGB2312 {
		reader = transform.NewReader(src, simplifiedchinese.GB18030.NewDecoder())
	}

	if _, err := io.Copy(dst, reader); err != nil {
		return "", fmt.Errorf("copying %s: %w", srcPath, err)
	}

	return dstPath, nil
}
