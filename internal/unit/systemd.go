package unit

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// State is a unit's ActiveState.
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateFailed   State = "failed"
)

// Status is what GetUnit reports about one unit.
type Status struct {
	Name    string
	State   State
	MainPID uint32
}

// Systemd is the subset of the systemd manager API needed to install the
// supervisor as a user service.
type Systemd interface {
	// Reload tells systemd to reload its configuration (daemon-reload).
	Reload(ctx context.Context) error

	// EnableUnits enables unit files so they start on boot or socket activation.
	EnableUnits(ctx context.Context, units []string) error

	DisableUnits(ctx context.Context, units []string) error

	// StartUnit starts a unit, blocking until the job completes.
	StartUnit(ctx context.Context, name string) error

	StopUnit(ctx context.Context, name string) error

	GetUnit(ctx context.Context, name string) (*Status, error)

	Close() error
}

// systemdConn implements Systemd using go-systemd/dbus.
type systemdConn struct {
	conn *dbus.Conn
}

// ConnectUserSystemd connects to the user's systemd instance.
func ConnectUserSystemd(ctx context.Context) (Systemd, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user systemd: %w", err)
	}
	return &systemdConn{conn: conn}, nil
}

func (s *systemdConn) Close() error {
	s.conn.Close()
	return nil
}

func (s *systemdConn) Reload(ctx context.Context) error {
	return s.conn.ReloadContext(ctx)
}

func (s *systemdConn) EnableUnits(ctx context.Context, units []string) error {
	_, _, err := s.conn.EnableUnitFilesContext(ctx, units, false, true)
	if err != nil {
		return fmt.Errorf("enabling units: %w", err)
	}
	return nil
}

func (s *systemdConn) DisableUnits(ctx context.Context, units []string) error {
	_, err := s.conn.DisableUnitFilesContext(ctx, units, false)
	if err != nil {
		return fmt.Errorf("disabling units: %w", err)
	}
	return nil
}

func (s *systemdConn) StartUnit(ctx context.Context, name string) error {
	resultChan := make(chan string, 1)
	if _, err := s.conn.StartUnitContext(ctx, name, "replace", resultChan); err != nil {
		return fmt.Errorf("starting unit: %w", err)
	}
	return waitJob(ctx, "start", resultChan)
}

func (s *systemdConn) StopUnit(ctx context.Context, name string) error {
	resultChan := make(chan string, 1)
	if _, err := s.conn.StopUnitContext(ctx, name, "replace", resultChan); err != nil {
		return fmt.Errorf("stopping unit: %w", err)
	}
	return waitJob(ctx, "stop", resultChan)
}

func waitJob(ctx context.Context, verb string, results <-chan string) error {
	select {
	case result := <-results:
		if result != "done" {
			return fmt.Errorf("%s job failed: %s", verb, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *systemdConn) GetUnit(ctx context.Context, name string) (*Status, error) {
	props, err := s.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("getting unit properties: %w", err)
	}
	st := &Status{Name: name}
	if state, ok := props["ActiveState"].(string); ok {
		st.State = State(state)
	}
	// Service properties are absent for socket units.
	if svc, err := s.conn.GetUnitTypePropertiesContext(ctx, name, "Service"); err == nil {
		if pid, ok := svc["MainPID"].(uint32); ok {
			st.MainPID = pid
		}
	}
	return st, nil
}
