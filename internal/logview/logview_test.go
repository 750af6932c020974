package logview

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs-w1.txt")
	content := "first line\nsecond line\nthird line\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	whole, err := ReadTail(path, 1024)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if whole.Truncated || whole.Text != content || whole.Header() != "" {
		t.Errorf("unexpected whole read: %+v", whole)
	}

	// 15 bytes from the end lands inside "second line".
	tail, err := ReadTail(path, 15)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !tail.Truncated || tail.Text != "third line\n" {
		t.Errorf("unexpected tail: %+v", tail)
	}
	if !strings.HasPrefix(tail.String(), "... showing the last") {
		t.Errorf("missing header: %q", tail.String())
	}
}

func TestReadTail_Missing(t *testing.T) {
	_, err := ReadTail(filepath.Join(t.TempDir(), "nope.txt"), 0)
	if !errors.Is(err, ErrNoLog) {
		t.Errorf("expected ErrNoLog, got %v", err)
	}
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs-w1.txt")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, 4, 5*time.Millisecond, func(b []byte) error {
			got <- string(b)
			return nil
		})
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("[OUT] new\n")
	f.Close()

	select {
	case s := <-got:
		if s != "[OUT] new\n" {
			t.Errorf("followed %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data followed")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v", err)
	}
}

func TestFollow_EmitErrorStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs-w1.txt")
	if err := os.WriteFile(path, []byte("line\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stop := errors.New("client gone")
	err := Follow(context.Background(), path, 0, time.Millisecond, func([]byte) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Follow = %v", err)
	}
}
