// Package logview reads the tail of a worker log for display.
package logview

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DefaultBytes is how much of the end of a log file Tail reads.
const DefaultBytes = 500 * 1024

// ErrNoLog is returned when the worker has never written a log.
var ErrNoLog = errors.New("no log for worker")

// Tail is the end of a log file.
type Tail struct {
	// Text holds whole lines only.
	Text string `json:"text"`
	// Truncated is set when earlier content was skipped.
	Truncated bool `json:"truncated"`
	// Size is the full file size.
	Size int64 `json:"size"`
}

// Header returns the banner shown above a truncated tail.
func (t Tail) Header() string {
	if !t.Truncated {
		return ""
	}
	return fmt.Sprintf("... showing the last %d KiB of %d KiB ...", len(t.Text)/1024, t.Size/1024)
}

// String renders the tail with its header, if any.
func (t Tail) String() string {
	if h := t.Header(); h != "" {
		return h + "\n" + t.Text
	}
	return t.Text
}

// ReadTail returns up to limit bytes from the end of path. When the read
// starts mid-file, the first partial line is dropped.
func ReadTail(path string, limit int64) (Tail, error) {
	if limit <= 0 {
		limit = DefaultBytes
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Tail{}, ErrNoLog
	}
	if err != nil {
		return Tail{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Tail{}, err
	}
	size := info.Size()
	offset := max(0, size-limit)

	buf := make([]byte, size-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return Tail{}, fmt.Errorf("reading %s: %w", path, err)
	}
	buf = buf[:n]

	t := Tail{Size: size, Truncated: offset > 0}
	if t.Truncated {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}
	t.Text = string(buf)
	return t, nil
}
