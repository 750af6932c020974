// Package worker defines the data model shared by the supervisor, the
// record store and the operator surfaces: launch configuration, status,
// the pinned error and control-channel events.
package worker

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a worker as persisted in its record.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Active reports whether a non-terminal status is recorded. Statuses a
// worker reports beyond the four known ones count as active.
func (s Status) Active() bool {
	return s != "" && !s.Terminal()
}

// Terminal reports whether s is stopped or error.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Environment variables injected into every worker process.
const (
	EnvToken      = "BOT_TOKEN"
	EnvTrigger    = "STATUS_CHECK_COMMAND"
	EnvInternalID = "BOT_INTERNAL_ID"
	EnvControlFD  = "BOT_CONTROL_FD"
)

// Config is the launch configuration of one worker. It is immutable for
// the lifetime of a single process.
type Config struct {
	ID         string
	Token      string
	Trigger    string
	ScriptPath string
}

// Validate returns ErrInvalidConfig naming the first missing field.
func (c Config) Validate() error {
	var missing []string
	if c.ID == "" {
		missing = append(missing, "id")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Trigger == "" {
		missing = append(missing, "trigger")
	}
	if c.ScriptPath == "" {
		missing = append(missing, "script path")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Env returns the environment variables a worker needs to start.
func (c Config) Env() map[string]string {
	return map[string]string{
		EnvToken:      c.Token,
		EnvTrigger:    c.Trigger,
		EnvInternalID: c.ID,
	}
}

// Record is the durable per-worker document.
type Record struct {
	ID          string     `json:"id"`
	Token       string     `json:"-"`
	Trigger     string     `json:"statusCheckCommand"`
	ScriptPath  string     `json:"filePath"`
	Status      Status     `json:"status"`
	LastMessage string     `json:"lastMessage"`
	PinnedError *string    `json:"pinnedError"`
	PinnedAt    *time.Time `json:"lastPinnedErrorTime"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Config extracts the launch configuration from the record.
func (r Record) Config() Config {
	return Config{
		ID:         r.ID,
		Token:      r.Token,
		Trigger:    r.Trigger,
		ScriptPath: r.ScriptPath,
	}
}

// Pinned returns the pinned error, or "" when none is recorded.
func (r Record) Pinned() string {
	if r.PinnedError == nil {
		return ""
	}
	return *r.PinnedError
}

// NormalizeTrigger returns the trigger as a slash command.
func NormalizeTrigger(trigger string) string {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" || strings.HasPrefix(trigger, "/") {
		return trigger
	}
	return "/" + trigger
}
