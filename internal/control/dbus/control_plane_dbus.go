// Package dbus exports the fleet operations on D-Bus and provides the
// matching client.
package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	"github.com/mbrock/botfleet/internal/control"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/worker"
)

const (
	BusName   = "sh.swa.Botfleet"
	Path      = "/sh/swa/Botfleet"
	Interface = "sh.swa.Botfleet"

	// errorPrefix is followed by a control error code.
	errorPrefix = Interface + ".Error."
)

// Service is the exported D-Bus object. Methods return JSON documents
// for anything richer than a string.
type Service struct {
	ops    control.Operator
	logger *slog.Logger
}

func NewService(ops control.Operator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{ops: ops, logger: logger}
}

func (s *Service) fail(method string, err error) *godbus.Error {
	s.logger.Debug("dbus call failed", "method", method, "error", err)
	return godbus.NewError(errorPrefix+control.Code(err), []any{err.Error()})
}

func (s *Service) encode(method string, v any) (string, *godbus.Error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", s.fail(method, err)
	}
	return string(b), nil
}

func (s *Service) List() (string, *godbus.Error) {
	entries, err := s.ops.List(context.Background())
	if err != nil {
		return "", s.fail("List", err)
	}
	return s.encode("List", entries)
}

func (s *Service) Inspect(id string) (string, *godbus.Error) {
	in, err := s.ops.Inspect(context.Background(), id)
	if err != nil {
		return "", s.fail("Inspect", err)
	}
	return s.encode("Inspect", in)
}

func (s *Service) Add(token, trigger string) (string, *godbus.Error) {
	rec, err := s.ops.Add(context.Background(), fleet.AddRequest{Token: token, Trigger: trigger})
	if err != nil && rec.ID == "" {
		return "", s.fail("Add", err)
	}
	if err != nil {
		s.logger.Warn("worker added but not started", "worker", rec.ID, "error", err)
	}
	return s.encode("Add", rec)
}

func (s *Service) Delete(id string) *godbus.Error {
	if err := s.ops.Delete(context.Background(), id); err != nil {
		return s.fail("Delete", err)
	}
	return nil
}

func (s *Service) Start(id string) *godbus.Error {
	if err := s.ops.Start(context.Background(), id); err != nil {
		return s.fail("Start", err)
	}
	return nil
}

func (s *Service) Stop(id string) *godbus.Error {
	if err := s.ops.Stop(context.Background(), id); err != nil {
		return s.fail("Stop", err)
	}
	return nil
}

func (s *Service) Restart(id string) *godbus.Error {
	if err := s.ops.Restart(context.Background(), id); err != nil {
		return s.fail("Restart", err)
	}
	return nil
}

func (s *Service) ClearError(id string) *godbus.Error {
	if err := s.ops.ClearError(context.Background(), id); err != nil {
		return s.fail("ClearError", err)
	}
	return nil
}

func (s *Service) Logs(id string, limit int64) (string, *godbus.Error) {
	tail, err := s.ops.Logs(context.Background(), id, limit)
	if err != nil {
		return "", s.fail("Logs", err)
	}
	return s.encode("Logs", tail)
}

// Connect opens the session bus, or the system bus when system is set.
func Connect(system bool) (*godbus.Conn, error) {
	var conn *godbus.Conn
	var err error
	if system {
		conn, err = godbus.ConnectSystemBus()
	} else {
		conn, err = godbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to D-Bus: %w", err)
	}
	return conn, nil
}

// Export claims BusName on conn and exports svc at Path.
func Export(conn *godbus.Conn, svc *Service) error {
	reply, err := conn.RequestName(BusName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already taken", BusName)
	}
	if err := conn.ExportAll(svc, godbus.ObjectPath(Path), Interface); err != nil {
		return fmt.Errorf("exporting %s: %w", Path, err)
	}
	return nil
}

// Client implements control.Plane by calling a Service over D-Bus.
type Client struct {
	conn *godbus.Conn
	obj  godbus.BusObject
}

var _ control.Plane = (*Client)(nil)

// Dial connects to the supervisor on the session or system bus.
func Dial(system bool) (*Client, error) {
	conn, err := Connect(system)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func NewClient(conn *godbus.Conn) *Client {
	return &Client{conn: conn, obj: conn.Object(BusName, godbus.ObjectPath(Path))}
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string, args ...any) *godbus.Call {
	return c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
}

func (c *Client) callJSON(ctx context.Context, method string, out any, args ...any) error {
	var doc string
	if err := c.call(ctx, method, args...).Store(&doc); err != nil {
		return remoteError(method, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", method, err)
	}
	return nil
}

func (c *Client) callErr(ctx context.Context, method string, args ...any) error {
	if err := c.call(ctx, method, args...).Err; err != nil {
		return remoteError(method, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]fleet.Entry, error) {
	var entries []fleet.Entry
	err := c.callJSON(ctx, "List", &entries)
	return entries, err
}

func (c *Client) Inspect(ctx context.Context, id string) (fleet.Inspection, error) {
	var in fleet.Inspection
	err := c.callJSON(ctx, "Inspect", &in, id)
	return in, err
}

func (c *Client) Add(ctx context.Context, req fleet.AddRequest) (worker.Record, error) {
	var rec worker.Record
	err := c.callJSON(ctx, "Add", &rec, req.Token, req.Trigger)
	return rec, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.callErr(ctx, "Delete", id)
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.callErr(ctx, "Start", id)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.callErr(ctx, "Stop", id)
}

func (c *Client) Restart(ctx context.Context, id string) error {
	return c.callErr(ctx, "Restart", id)
}

func (c *Client) ClearError(ctx context.Context, id string) error {
	return c.callErr(ctx, "ClearError", id)
}

func (c *Client) Logs(ctx context.Context, id string, limit int64) (logview.Tail, error) {
	var tail logview.Tail
	err := c.callJSON(ctx, "Logs", &tail, id, limit)
	return tail, err
}

// remoteError turns a D-Bus error reply back into a control error.
func remoteError(method string, err error) error {
	var dbusErr godbus.Error
	if p := (*godbus.Error)(nil); errors.As(err, &p) {
		dbusErr = *p
	} else if !errors.As(err, &dbusErr) {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	if strings.HasPrefix(dbusErr.Name, errorPrefix) {
		msg := dbusErr.Name
		if len(dbusErr.Body) > 0 {
			if s, ok := dbusErr.Body[0].(string); ok {
				msg = s
			}
		}
		return control.Remote(strings.TrimPrefix(dbusErr.Name, errorPrefix), msg)
	}
	return fmt.Errorf("calling %s: %w", method, err)
}
