package worker

import (
	"errors"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	full := Config{ID: "w1", Token: "tok", Trigger: "/status", ScriptPath: "app/w1.js"}
	if err := full.Validate(); err != nil {
		t.Fatalf("Validate(full): %v", err)
	}

	missingToken := full
	missingToken.Token = ""
	err := missingToken.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || len(cfgErr.Missing) != 1 || cfgErr.Missing[0] != "token" {
		t.Errorf("expected missing [token], got %v", err)
	}
}

func TestPatch_PinnedTriState(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	old := "old failure"
	oldAt := at.Add(-time.Hour)

	rec := Record{ID: "w1", Status: StatusError, PinnedError: &old, PinnedAt: &oldAt}
	Patch{Update: Update{Status: StatusStarting, Message: "process starting"}, At: at}.ApplyTo(&rec)
	if rec.Pinned() != "old failure" || !rec.PinnedAt.Equal(oldAt) {
		t.Errorf("keep: pinned changed to %q at %v", rec.Pinned(), rec.PinnedAt)
	}

	Patch{Update: Update{Status: StatusError, Pinned: SetPinned("boom")}, At: at}.ApplyTo(&rec)
	if rec.Pinned() != "boom" || !rec.PinnedAt.Equal(at) {
		t.Errorf("set: got %q at %v", rec.Pinned(), rec.PinnedAt)
	}

	Patch{Update: Update{Status: StatusRunning, Pinned: ClearPinned()}, At: at}.ApplyTo(&rec)
	if rec.PinnedError != nil || rec.PinnedAt != nil {
		t.Errorf("clear: pinned still %q", rec.Pinned())
	}
	if rec.Status != StatusRunning {
		t.Errorf("expected running, got %s", rec.Status)
	}
}

func TestSetPinned_EmptyClears(t *testing.T) {
	if !SetPinned("").IsClear() {
		t.Error("SetPinned(\"\") should clear")
	}
	if !KeepPinned().IsKeep() || !(PinnedUpdate{}).IsKeep() {
		t.Error("zero value should keep")
	}
}

func TestNormalizeTrigger(t *testing.T) {
	for in, want := range map[string]string{"status": "/status", "/ping": "/ping", " up ": "/up", "": ""} {
		if got := NormalizeTrigger(in); got != want {
			t.Errorf("NormalizeTrigger(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatus_Active(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusStarting, true},
		{StatusRunning, true},
		{Status("polling"), true},
		{StatusStopped, false},
		{StatusError, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.status.Active(); got != tt.want {
			t.Errorf("Status(%q).Active() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
