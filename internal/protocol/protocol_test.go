package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/mbrock/botfleet/internal/worker"
)

// chunkReader returns at most n bytes per Read to exercise line reassembly.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	k := min(r.n, len(p), len(r.data))
	copy(p, r.data[:k])
	r.data = r.data[k:]
	return k, nil
}

func TestReadLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "a\nb\n", []string{"a", "b"}},
		{"partial tail", "a\nb", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"empty lines", "\n\nx\n", []string{"", "", "x"}},
		{"none", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := ReadLines(&chunkReader{data: []byte(tt.input), n: 3}, func(line string) {
				got = append(got, line)
			})
			if err != nil {
				t.Fatalf("ReadLines: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLines_LongLineSplit(t *testing.T) {
	long := strings.Repeat("x", maxLine+10)
	var got []string
	ReadLines(strings.NewReader(long), func(line string) { got = append(got, line) })
	if len(got) != 2 || len(got[0]) != maxLine || len(got[1]) != 10 {
		t.Errorf("expected split into %d+10, got %d pieces", maxLine, len(got))
	}
}

func TestReadEvents(t *testing.T) {
	input := `{"type":"status","botId":"w1","status":"running","message":"ok"}
not json

{"botId":"w1"}
{"type":"status","botId":"w1","status":"error","message":"401"}
`
	var events []worker.Event
	var bad []string
	err := ReadEvents(strings.NewReader(input), func(ev worker.Event) {
		events = append(events, ev)
	}, func(line string, err error) {
		bad = append(bad, line)
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Status != worker.StatusRunning || events[1].Message != "401" || events[1].WorkerID != "w1" {
		t.Errorf("unexpected events: %+v", events)
	}
	if len(bad) != 2 {
		t.Errorf("expected 2 malformed lines, got %q", bad)
	}
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := worker.Event{Type: worker.EventTypeStatus, WorkerID: "w1", Status: worker.StatusRunning}
	if err := WriteEvent(&buf, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	want := `{"type":"status","botId":"w1","status":"running"}` + "\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
