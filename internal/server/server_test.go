package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/mbrock/botfleet/internal/control/httpapi"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

type fakeOps struct {
	mu      sync.Mutex
	records map[string]worker.Record
	calls   []string
	logDir  string
}

func (f *fakeOps) get(id string) (worker.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return worker.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeOps) List(ctx context.Context) ([]fleet.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fleet.Entry
	for _, rec := range f.records {
		out = append(out, fleet.Entry{Record: rec})
	}
	return out, nil
}

func (f *fakeOps) Inspect(ctx context.Context, id string) (fleet.Inspection, error) {
	rec, err := f.get(id)
	if err != nil {
		return fleet.Inspection{}, err
	}
	return fleet.Inspection{ID: id, Process: fleet.ProcessStopped, Status: rec.Status, Message: "process inactive"}, nil
}

func (f *fakeOps) Add(ctx context.Context, req fleet.AddRequest) (worker.Record, error) {
	if req.Token == "" {
		return worker.Record{}, &worker.ConfigError{Missing: []string{"token"}}
	}
	rec := worker.Record{ID: "w2", Token: req.Token, Trigger: worker.NormalizeTrigger(req.Trigger), Status: worker.StatusStarting}
	f.mu.Lock()
	f.records[rec.ID] = rec
	f.mu.Unlock()
	return rec, nil
}

func (f *fakeOps) op(name, id string) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeOps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeOps) Delete(ctx context.Context, id string) error     { return f.op("delete", id) }
func (f *fakeOps) Start(ctx context.Context, id string) error      { return f.op("start", id) }
func (f *fakeOps) Stop(ctx context.Context, id string) error       { return f.op("stop", id) }
func (f *fakeOps) Restart(ctx context.Context, id string) error    { return f.op("restart", id) }
func (f *fakeOps) ClearError(ctx context.Context, id string) error { return f.op("clear-error", id) }

func (f *fakeOps) Logs(ctx context.Context, id string, limit int64) (logview.Tail, error) {
	if _, err := f.get(id); err != nil {
		return logview.Tail{}, err
	}
	tail, err := logview.ReadTail(f.logPath(id), limit)
	if errors.Is(err, logview.ErrNoLog) {
		return logview.Tail{}, nil
	}
	return tail, err
}

func (f *fakeOps) logPath(id string) string {
	return filepath.Join(f.logDir, "logs-"+id+".txt")
}

func newTestServer(t *testing.T) (*fakeOps, *httptest.Server) {
	t.Helper()
	pinned := "worker unexpectedly stopped (exit code 1), check the logs"
	ops := &fakeOps{
		logDir: t.TempDir(),
		records: map[string]worker.Record{
			"w1": {ID: "w1", Token: "secret", Trigger: "/status", Status: worker.StatusError, PinnedError: &pinned},
		},
	}
	if err := os.WriteFile(ops.logPath("w1"), []byte("[OUT] hello <b>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(Config{Ops: ops, LogPath: ops.logPath, PollInterval: 5 * time.Millisecond})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ops, ts
}

func TestClientRoundTrip(t *testing.T) {
	ops, ts := newTestServer(t)
	c, err := httpapi.Dial(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	entries, err := c.List(ctx)
	if err != nil || len(entries) != 1 || entries[0].ID != "w1" {
		t.Fatalf("List = %+v, %v", entries, err)
	}
	if entries[0].Token != "" {
		t.Error("token leaked over the API")
	}

	in, err := c.Inspect(ctx, "w1")
	if err != nil || in.Process != fleet.ProcessStopped {
		t.Errorf("Inspect = %+v, %v", in, err)
	}

	rec, err := c.Add(ctx, fleet.AddRequest{Token: "tok", Trigger: "ping"})
	if err != nil || rec.ID != "w2" || rec.Trigger != "/ping" {
		t.Errorf("Add = %+v, %v", rec, err)
	}
	if _, err := c.Add(ctx, fleet.AddRequest{Trigger: "ping"}); !errors.Is(err, worker.ErrInvalidConfig) {
		t.Errorf("Add without token: %v", err)
	}

	for _, call := range []func(context.Context, string) error{c.Start, c.Stop, c.Restart, c.ClearError, c.Delete} {
		if err := call(ctx, "w1"); err != nil {
			t.Errorf("action: %v", err)
		}
		if err := call(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("action on ghost: %v", err)
		}
	}
	want := []string{"start w1", "stop w1", "restart w1", "clear-error w1", "delete w1"}
	if got := ops.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v", got)
	}

	tail, err := c.Logs(ctx, "w1", 0)
	if err != nil || tail.Text != "[OUT] hello <b>\n" {
		t.Errorf("Logs = %+v, %v", tail, err)
	}
}

func TestDashboard(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/", "/workers"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
			t.Errorf("%s content type %q", path, ct)
		}
		if !strings.Contains(string(body), `href="/workers/w1"`) {
			t.Errorf("%s does not list w1:\n%s", path, body)
		}
	}

	resp, err := http.Get(ts.URL + "/workers/w1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	page := string(body)
	if !strings.Contains(page, "[OUT] hello &lt;b&gt;") {
		t.Error("log tail missing or unescaped")
	}
	if !strings.Contains(page, "check the logs") || !strings.Contains(page, "/workers/w1/clear-error") {
		t.Error("pinned error not shown with clear action")
	}
}

func TestFormPostsRedirect(t *testing.T) {
	ops, ts := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := client.PostForm(ts.URL+"/workers", url.Values{"token": {"tok"}, "statusCheckCommand": {"status"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/workers/w2" {
		t.Errorf("add form: %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.PostForm(ts.URL+"/workers/w1/delete", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/workers" {
		t.Errorf("delete form: %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
	if got := ops.Calls(); len(got) != 1 || got[0] != "delete w1" {
		t.Errorf("calls = %v", got)
	}
}

func TestErrorStatuses(t *testing.T) {
	_, ts := newTestServer(t)
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/workers/ghost", http.StatusNotFound},
		{http.MethodGet, "/workers/ghost/status", http.StatusNotFound},
		{http.MethodPost, "/workers/w1/explode", http.StatusNotFound},
		{http.MethodGet, "/workers/w1/logs?bytes=-3", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		req.Header.Set("Accept", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestLogsPlainText(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/workers/w1/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "[OUT] hello <b>\n" {
		t.Errorf("logs = %q", body)
	}
}

func TestFollow(t *testing.T) {
	ops, ts := newTestServer(t)

	// Start after the existing "[OUT] hello <b>\n" line.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/workers/w1/follow?from=16"
	ws, err := websocket.Dial(wsURL, "", ts.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	f, err := os.OpenFile(ops.logPath("w1"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("[ERR] boom\n")
	f.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg string
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != "[ERR] boom\n" {
		t.Errorf("followed %q", msg)
	}
}

type chanWriter chan string

func (c chanWriter) Write(p []byte) (int, error) {
	c <- string(p)
	return len(p), nil
}

func TestClientFollow(t *testing.T) {
	_, ts := newTestServer(t)
	c, err := httpapi.Dial(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chanWriter, 4)
	done := make(chan error, 1)
	go func() { done <- c.Follow(ctx, "w1", 0, out) }()

	select {
	case s := <-out:
		if s != "[OUT] hello <b>\n" {
			t.Errorf("followed %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing followed")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Follow = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
