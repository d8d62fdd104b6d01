package bundle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	stagedMarker    = "- crate"
	stagedSeparator = "///"
	backupPrefix    = "copy_"
)

// RewriteResult counts what RewriteStageFile did.
type RewriteResult struct {
	Lines     int
	Rewritten int
	Skipped   int
}

// RewriteStageFile copies src to dst line by line, turning staged crate
// references into absolute file URLs under crateRoot. Line endings and every
// non-reference line are copied unchanged.
func RewriteStageFile(logger *slog.Logger, src, dst, crateRoot string) (RewriteResult, error) {
	var res RewriteResult
	in, err := os.Open(src)
	if err != nil {
		return res, fmt.Errorf("open stage source: %w", err)
	}
	defer in.Close()

	info, err := os.Stat(dst)
	perm := fs.FileMode(0o644)
	if err == nil {
		perm = info.Mode().Perm()
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return res, fmt.Errorf("open stage file: %w", err)
	}

	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	for {
		raw, readErr := r.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			_ = out.Close()
			return res, fmt.Errorf("read stage source: %w", readErr)
		}
		if raw == "" && readErr != nil {
			break
		}
		res.Lines++

		body, ending := splitLineEnding(raw)
		rewritten, matched, ok := rewriteLine(body, crateRoot)
		switch {
		case ok:
			res.Rewritten++
			logger.Debug("stage reference rewritten", "line", res.Lines, "value", strings.TrimSpace(rewritten))
		case matched:
			res.Skipped++
			logger.Warn("stage reference without separator left unchanged", "line", res.Lines, "separator", stagedSeparator)
		}
		if _, err := w.WriteString(rewritten + ending); err != nil {
			_ = out.Close()
			return res, fmt.Errorf("write stage file: %w", err)
		}
		if readErr != nil {
			break
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return res, fmt.Errorf("write stage file: %w", err)
	}
	if err := out.Close(); err != nil {
		return res, fmt.Errorf("write stage file: %w", err)
	}
	return res, nil
}

func splitLineEnding(raw string) (string, string) {
	switch {
	case strings.HasSuffix(raw, "\r\n"):
		return raw[:len(raw)-2], "\r\n"
	case strings.HasSuffix(raw, "\n"):
		return raw[:len(raw)-1], "\n"
	default:
		return raw, ""
	}
}

// rewriteLine maps "<indent>- crate...///<rel>" to
// "<indent>- file://<crateRoot>/<rel>". matched reports a marker line; ok
// reports that it was rewritten.
func rewriteLine(line, crateRoot string) (out string, matched, ok bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), stagedMarker) {
		return line, false, false
	}
	head, rel, found := strings.Cut(line, stagedSeparator)
	if !found {
		return line, true, false
	}
	prefix, _, _ := strings.Cut(head, "crate")
	return prefix + "file://" + strings.TrimSuffix(crateRoot, "/") + "/" + rel, true, true
}

// backupStageFile copies stagePath to copy_<name> beside it. An existing
// backup is left alone and reused.
func backupStageFile(stagePath string) (string, bool, error) {
	backup := filepath.Join(filepath.Dir(stagePath), backupPrefix+filepath.Base(stagePath))
	dst, err := os.OpenFile(backup, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return backup, true, nil
		}
		return "", false, fmt.Errorf("create stage backup: %w", err)
	}
	src, err := os.Open(stagePath)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(backup)
		return "", false, fmt.Errorf("open stage file: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(backup)
		return "", false, fmt.Errorf("copy stage backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(backup)
		return "", false, fmt.Errorf("copy stage backup: %w", err)
	}
	return backup, false, nil
}

// checkStageYAML parses the rewritten stage file. Reference matching is
// textual, so this only surfaces descriptors the engine is likely to reject.
func checkStageYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc yaml.Node
	return yaml.Unmarshal(raw, &doc)
}
