package bundle

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hutch-labs/hutch-agent/internal/archive"
)

// spool copies the upload to a temporary file because zip needs random access.
// The caller removes the returned file.
func spool(dir string, r io.Reader, limit int64) (*os.File, int64, error) {
	f, err := os.CreateTemp(dir, ".bundle-*.zip")
	if err != nil {
		return nil, 0, fmt.Errorf("spool bundle: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, fmt.Errorf("%w: read upload: %w", ErrUnpack, err)
	}
	if n > limit {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return f, n, nil
}

func extract(ra io.ReaderAt, size int64, dest string, maxExtracted int64) error {
	_, err := archive.Extract(ra, size, dest, archive.ExtractOptions{MaxBytes: maxExtracted})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, archive.ErrTooLarge):
		return fmt.Errorf("%w: extracted content over %d bytes", ErrTooLarge, maxExtracted)
	default:
		return fmt.Errorf("%w: %v", ErrUnpack, err)
	}
}
