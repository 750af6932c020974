// Package protocol frames worker output into lines and decodes the
// newline-delimited JSON records a worker sends on its control channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mbrock/botfleet/internal/worker"
)

// maxLine bounds how much of a single unterminated line is buffered.
// Longer lines are emitted in pieces.
const maxLine = 64 * 1024

// LineHandler is called for each complete line, without its newline.
type LineHandler func(line string)

// ReadLines reads r until EOF or error and emits each line. A trailing
// partial line is flushed at EOF.
func ReadLines(r io.Reader, handle LineHandler) error {
	var lineBuf bytes.Buffer
	b := make([]byte, 4096)

	for {
		n, err := r.Read(b)
		if n > 0 {
			lineBuf.Write(b[:n])
			for {
				line, rerr := lineBuf.ReadString('\n')
				if rerr != nil {
					// Incomplete, keep it for the next read.
					lineBuf.Reset()
					lineBuf.WriteString(line)
					break
				}
				handle(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
			}
			for lineBuf.Len() > maxLine {
				handle(string(lineBuf.Next(maxLine)))
			}
		}
		if err != nil {
			if lineBuf.Len() > 0 {
				handle(lineBuf.String())
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// EventHandler receives decoded control-channel records.
type EventHandler func(ev worker.Event)

// MalformedHandler receives lines that are not valid records.
type MalformedHandler func(line string, err error)

// ReadEvents decodes one JSON record per line from r until EOF. Blank
// lines are skipped. Malformed lines go to bad, which may be nil.
func ReadEvents(r io.Reader, handle EventHandler, bad MalformedHandler) error {
	return ReadLines(r, func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		ev, err := DecodeEvent([]byte(line))
		if err != nil {
			if bad != nil {
				bad(line, err)
			}
			return
		}
		handle(ev)
	})
}

// DecodeEvent parses a single control-channel record.
func DecodeEvent(data []byte) (worker.Event, error) {
	var ev worker.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return worker.Event{}, fmt.Errorf("decoding control record: %w", err)
	}
	if ev.Type == "" {
		return worker.Event{}, fmt.Errorf("decoding control record: missing type")
	}
	return ev, nil
}

// WriteEvent encodes ev as one line on w.
func WriteEvent(w io.Writer, ev worker.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
