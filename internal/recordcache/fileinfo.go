// Package recordcache persists the per-record upload state machine
// under the records directory. Each record is a directory keyed by
// "[code_]YYYY-MM-DD-HH-MM-SS_<ms>" holding the staged files and a
// .cos/state.json describing their progress.
package recordcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileInfo describes one staged file. Size and SHA-256 are frozen at
// staging time so a still-growing source can be uploaded consistently.
type FileInfo struct {
	Filepath string `json:"filepath"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// IsCompleted reports whether all fields needed for upload are filled.
func (f *FileInfo) IsCompleted() bool {
	return f.Filepath != "" && f.Filename != "" && f.SHA256 != "" && f.Size > 0
}

// Complete fills missing fields. With forceRehash both size and hash are
// recomputed; with skipSHA256 the hash is left untouched. The hash only
// covers the first Size bytes, the frozen segment of a growing file.
func (f *FileInfo) Complete(forceRehash, skipSHA256 bool) error {
	if f.Filename == "" {
		f.Filename = filepath.Base(f.Filepath)
	}

	info, err := os.Stat(f.Filepath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Filepath, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", f.Filepath)
	}

	if f.Size == 0 || forceRehash {
		f.Size = info.Size()
	}

	if !skipSHA256 && (f.SHA256 == "" || forceRehash) {
		sum, err := SHA256File(f.Filepath, f.Size)
		if err != nil {
			return err
		}

		f.SHA256 = sum
	}

	return nil
}

// IsChanged reports whether the on-disk prefix no longer matches the
// frozen size and hash.
func (f *FileInfo) IsChanged() (bool, error) {
	info, err := os.Stat(f.Filepath)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", f.Filepath, err)
	}

	if info.Size() != f.Size {
		return true, nil
	}

	sum, err := SHA256File(f.Filepath, f.Size)
	if err != nil {
		return false, err
	}

	return sum != f.SHA256, nil
}

// SHA256File hashes the first size bytes of the file, or the whole file
// when size is negative.
func SHA256File(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()

	var r io.Reader = f
	if size >= 0 {
		r = io.LimitReader(f, size)
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
