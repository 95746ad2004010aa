package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TailLines returns the last n lines of data (all of it when n <= 0).
func TailLines(data string, n int) string {
	if n <= 0 || data == "" {
		return data
	}
	// Trim the trailing newline so it does not count as an empty last line.
	trimmed := strings.TrimRight(data, "\n")
	lines := strings.Split(trimmed, "\n")
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}

// Tail writes the last n lines of the log at path to w and returns the
// offset the log was read to.
func Tail(path string, n int, w io.Writer) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no log at %s", path)
		}
		return 0, err
	}
	if _, err := io.WriteString(w, TailLines(string(data), n)); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Follow streams bytes appended to path after offset until ctx is cancelled
// or done reports true. done is polled every interval as well as on each
// write, so a job that exits silently still ends the stream.
func Follow(ctx context.Context, path string, offset int64, w io.Writer, interval time.Duration, done func() bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drain := func() error {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		// Rotated or truncated: start over on the new file.
		if st.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(w, f)
		offset += n
		return err
	}

	for {
		if err := drain(); err != nil {
			return err
		}
		if done != nil && done() {
			return drain()
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-ticker.C:
		}
	}
}
