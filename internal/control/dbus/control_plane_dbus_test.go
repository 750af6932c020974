package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	godbus "github.com/godbus/dbus/v5"

	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

type fakeOps struct {
	records map[string]worker.Record
	calls   []string
}

func newFakeOps() *fakeOps {
	return &fakeOps{records: map[string]worker.Record{
		"w1": {ID: "w1", Token: "secret", Trigger: "/status", Status: worker.StatusRunning},
	}}
}

func (f *fakeOps) get(id string) (worker.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return worker.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeOps) List(ctx context.Context) ([]fleet.Entry, error) {
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
	return fleet.Inspection{ID: rec.ID, Process: fleet.ProcessRunning, Status: rec.Status, PID: 42}, nil
}

func (f *fakeOps) Add(ctx context.Context, req fleet.AddRequest) (worker.Record, error) {
	if req.Token == "" {
		return worker.Record{}, &worker.ConfigError{Missing: []string{"token"}}
	}
	rec := worker.Record{ID: "w2", Token: req.Token, Trigger: req.Trigger}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeOps) op(name, id string) error {
	f.calls = append(f.calls, name+" "+id)
	_, err := f.get(id)
	return err
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
	return logview.Tail{Text: "[OUT] hello\n", Size: 12}, nil
}

func TestService_JSONReplies(t *testing.T) {
	svc := NewService(newFakeOps(), nil)

	doc, dErr := svc.Inspect("w1")
	if dErr != nil {
		t.Fatalf("Inspect: %v", dErr)
	}
	var in fleet.Inspection
	if err := json.Unmarshal([]byte(doc), &in); err != nil {
		t.Fatal(err)
	}
	if in.ID != "w1" || in.PID != 42 || in.Process != fleet.ProcessRunning {
		t.Errorf("unexpected inspection %+v", in)
	}

	doc, dErr = svc.List()
	if dErr != nil {
		t.Fatalf("List: %v", dErr)
	}
	var entries []fleet.Entry
	if err := json.Unmarshal([]byte(doc), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "w1" || entries[0].Token != "" {
		t.Errorf("unexpected entries %+v", entries)
	}

	doc, dErr = svc.Logs("w1", 0)
	if dErr != nil {
		t.Fatalf("Logs: %v", dErr)
	}
	var tail logview.Tail
	if err := json.Unmarshal([]byte(doc), &tail); err != nil {
		t.Fatal(err)
	}
	if tail.Text != "[OUT] hello\n" {
		t.Errorf("tail = %+v", tail)
	}
}

func TestService_Errors(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, nil)

	for name, call := range map[string]func(string) *godbus.Error{
		"Start": svc.Start, "Stop": svc.Stop, "Restart": svc.Restart,
		"ClearError": svc.ClearError, "Delete": svc.Delete,
	} {
		if dErr := call("w1"); dErr != nil {
			t.Errorf("%s(w1): %v", name, dErr)
		}
		dErr := call("ghost")
		if dErr == nil {
			t.Errorf("%s(ghost) succeeded", name)
			continue
		}
		if dErr.Name != errorPrefix+"NotFound" {
			t.Errorf("%s(ghost) error name %s", name, dErr.Name)
		}
		if err := remoteError(name, *dErr); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s: remote error %v does not match ErrNotFound", name, err)
		}
	}
	if len(ops.calls) != 10 {
		t.Errorf("calls = %v", ops.calls)
	}

	_, dErr := svc.Add("", "/s")
	if dErr == nil || !errors.Is(remoteError("Add", dErr), worker.ErrInvalidConfig) {
		t.Errorf("Add without token: %v", dErr)
	}
}

func TestRemoteError_Foreign(t *testing.T) {
	err := remoteError("List", godbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown", Body: []any{"no owner"}})
	if errors.Is(err, store.ErrNotFound) {
		t.Error("foreign error mapped to a sentinel")
	}
	var dErr godbus.Error
	if !errors.As(err, &dErr) {
		t.Errorf("foreign error not wrapped: %v", err)
	}
}
