package logview

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"
)

// DefaultPollInterval is how often Follow checks a log for growth.
const DefaultPollInterval = 250 * time.Millisecond

// Follow calls emit with every chunk appended to path after offset until
// ctx is done or emit fails. A file that shrinks (deleted and recreated)
// is read again from the start. A missing file is waited for.
func Follow(ctx context.Context, path string, offset int64, interval time.Duration, emit func([]byte) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	buf := make([]byte, 32*1024)
	for {
		next, err := readFrom(path, offset, buf, emit)
		switch {
		case err == nil:
			offset = next
		case errors.Is(err, fs.ErrNotExist):
			offset = 0
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func readFrom(path string, offset int64, buf []byte, emit func([]byte) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	for offset < info.Size() {
		n, err := f.ReadAt(buf, offset)
		if n > 0 {
			if err := emit(buf[:n]); err != nil {
				return offset, err
			}
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return offset, err
		}
	}
	return offset, nil
}
