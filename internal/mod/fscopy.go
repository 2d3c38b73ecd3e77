package mod

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyFile copies src into dstDir keeping its base name and returns the
// destination path.
func copyFile(src, dstDir string) (string, error) {
	dst := filepath.Join(dstDir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return "", fmt.Errorf("copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", dst, err)
	}

	return dst, nil
}

// copyTree recursively copies the directory src to dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if _, err := copyFile(path, filepath.Dir(target)); err != nil {
			return err
		}

		return nil
	})
}

// zipDir archives the directory src into the zip file dst. Entries are
// prefixed with the directory's base name.
func zipDir(src, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	w := zip.NewWriter(out)
	base := filepath.Base(src)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		entry, err := w.Create(filepath.ToSlash(filepath.Join(base, rel)))
		if err != nil {
			return err
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		_, err = io.Copy(entry, in)

		return err
	})
	if err != nil {
		w.Close()
		out.Close()

		return fmt.Errorf("archiving %s: %w", src, err)
	}

	if err := w.Close(); err != nil {
		out.Close()

		return fmt.Errorf("finishing %s: %w", dst, err)
	}

	return out.Close()
}
