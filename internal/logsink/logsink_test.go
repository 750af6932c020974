package logsink

import (
	"os"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
}

func readLog(t *testing.T, dir, id string) string {
	t.Helper()
	data, err := os.ReadFile(Path(dir, id))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	return string(data)
}

func TestSink_TagsAndMarkers(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "w1", Options{Now: fixedNow})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Starting()
	s.Out("hello")
	s.Err("oops")
	s.ReportedError("401 Unauthorized")
	s.Exit(1, "N/A")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "\n--- process starting: 2026-05-04T10:30:00Z ---\n" +
		"[OUT] hello\n" +
		"[ERR] oops\n" +
		"[WORKER_REPORTED_ERROR] 401 Unauthorized at 2026-05-04T10:30:00Z\n" +
		"[EXIT] process exited with code 1 (signal: N/A) at 2026-05-04T10:30:00Z\n"
	if got := readLog(t, dir, "w1"); got != want {
		t.Errorf("log mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestSink_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s, err := Open(dir, "w1", Options{Now: fixedNow})
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		s.Out("line")
		s.Close()
	}
	if got := strings.Count(readLog(t, dir, "w1"), "[OUT] line\n"); got != 2 {
		t.Errorf("expected 2 appended lines, got %d", got)
	}
}

func TestSink_WriteAfterClose(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir, "w1", Options{})
	s.Close()
	s.Out("dropped")
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if strings.Contains(readLog(t, dir, "w1"), "dropped") {
		t.Error("write after close reached the file")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir, "w1", Options{})
	s.Close()
	if err := Remove(dir, "w1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(Path(dir, "w1")); !os.IsNotExist(err) {
		t.Errorf("log still present: %v", err)
	}
	if err := Remove(dir, "w1"); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}
}
