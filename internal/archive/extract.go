// Package archive reads and writes the zip packages exchanged with clients,
// the workflow engine and the storage gateway.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrUnsafeEntry = errors.New("unsafe archive entry")
	ErrTooLarge    = errors.New("archive content exceeds limit")
)

type ExtractOptions struct {
	// MaxBytes caps the total uncompressed size written; <= 0 disables it.
	MaxBytes int64
	// Hold, when set, is called for every regular entry. Entries it claims
	// are read into memory and returned instead of written to disk.
	Hold func(name string) bool
}

// Extract unpacks a zip under dest, overwriting existing files. Absolute
// names, names escaping dest and symlinks are rejected with ErrUnsafeEntry.
func Extract(ra io.ReaderAt, size int64, dest string, opts ExtractOptions) (map[string][]byte, error) {
	zr, err := zip.NewReader(ra, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
	}
	if err != nil {
		return nil, err
	}
	held := map[string][]byte{}
	var total int64
	for _, f := range zr.File {
		name, err := CleanName(f.Name)
		if err != nil {
			return nil, err
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !Within(dest, target) {
			return nil, fmt.Errorf("%w: %q escapes the destination", ErrUnsafeEntry, f.Name)
		}
		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return nil, fmt.Errorf("%w: %q is a symlink", ErrUnsafeEntry, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			continue
		case !mode.IsRegular():
			return nil, fmt.Errorf("%w: %q has type %s", ErrUnsafeEntry, f.Name, mode.Type())
		}

		budget := int64(-1)
		if opts.MaxBytes > 0 {
			budget = max(opts.MaxBytes-total, 0)
		}
		if opts.Hold != nil && opts.Hold(name) {
			data, err := readEntry(f, budget)
			if err != nil {
				return nil, err
			}
			total += int64(len(data))
			held[name] = data
			continue
		}
		n, err := writeEntry(f, target, budget)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return held, nil
}

// CleanName normalizes an entry name to a slash-separated relative path.
func CleanName(name string) (string, error) {
	clean := strings.ReplaceAll(name, `\`, "/")
	if clean == "" || strings.HasPrefix(clean, "/") || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafeEntry, name)
	}
	clean = path.Clean(clean)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the destination", ErrUnsafeEntry, name)
	}
	return clean, nil
}

// Within reports whether target is root or lies below it.
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func limited(r io.Reader, budget int64) io.Reader {
	if budget < 0 {
		return r
	}
	return io.LimitReader(r, budget+1)
}

func readEntry(f *zip.File, budget int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(limited(rc, budget))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if budget >= 0 && int64(len(data)) > budget {
		return nil, ErrTooLarge
	}
	return data, nil
}

func writeEntry(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, limited(rc, budget))
	closeErr := out.Close()
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if closeErr != nil {
		return n, closeErr
	}
	if budget >= 0 && n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}
