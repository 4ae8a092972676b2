// Package models defines the core domain types for the jstd supervisor.
package models

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// RunnerMode controls how verbose the test runner server is.
type RunnerMode string

const (
	RunnerModeQuiet        RunnerMode = "QUIET"
	RunnerModeInfo         RunnerMode = "INFO"
	RunnerModeDebug        RunnerMode = "DEBUG"
	RunnerModeDebugNoTrace RunnerMode = "DEBUG_NO_TRACE"
	RunnerModeDebugObserve RunnerMode = "DEBUG_OBSERVE"
	RunnerModeProfile      RunnerMode = "PROFILE"
)

// RunnerModes lists every supported runner mode.
var RunnerModes = []RunnerMode{
	RunnerModeQuiet,
	RunnerModeInfo,
	RunnerModeDebug,
	RunnerModeDebugNoTrace,
	RunnerModeDebugObserve,
	RunnerModeProfile,
}

// ValidRunnerMode checks if a runner mode is known.
func ValidRunnerMode(m RunnerMode) bool {
	for _, known := range RunnerModes {
		if m == known {
			return true
		}
	}
	return false
}

// DefaultRunnerMode returns the default runner mode.
func DefaultRunnerMode() RunnerMode {
	return RunnerModeQuiet
}

// Settings are the launch parameters of a single test runner server.
type Settings struct {
	Port           int        `json:"port" yaml:"port"`
	RunnerMode     RunnerMode `json:"runner_mode" yaml:"runner_mode"`
	BrowserTimeout Duration   `json:"browser_timeout" yaml:"browser_timeout"`
}

// Validate checks that the settings can be turned into a command line.
func (s Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	if !ValidRunnerMode(s.RunnerMode) {
		return fmt.Errorf("invalid runner mode: %q", s.RunnerMode)
	}
	if s.BrowserTimeout <= 0 {
		return fmt.Errorf("invalid browser timeout: %s", time.Duration(s.BrowserTimeout))
	}
	return nil
}

// URL returns the address browsers use to reach the server.
func (s Settings) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port)
}

// BrowserTimeoutMillis returns the browser timeout in milliseconds.
func (s Settings) BrowserTimeoutMillis() int64 {
	return time.Duration(s.BrowserTimeout).Milliseconds()
}

// BrowserInfo describes a browser captured by a server.
type BrowserInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version,omitempty"`
	OS         string    `json:"os,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Stream identifies which output stream of the child a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ServerStatus represents the current state of a supervised server.
type ServerStatus string

const (
	ServerStatusStarting   ServerStatus = "starting"
	ServerStatusRunning    ServerStatus = "running"
	ServerStatusStopping   ServerStatus = "stopping"
	ServerStatusTerminated ServerStatus = "terminated"
	ServerStatusFailed     ServerStatus = "failed"
)

// ValidServerStatus checks if a status is known.
func ValidServerStatus(s ServerStatus) bool {
	switch s {
	case ServerStatusStarting, ServerStatusRunning, ServerStatusStopping,
		ServerStatusTerminated, ServerStatusFailed:
		return true
	}
	return false
}

// ServerRecord is the persisted view of a supervised server.
type ServerRecord struct {
	ID           string        `json:"id"`
	Seq          int64         `json:"seq"`
	Name         string        `json:"name"`
	PID          int           `json:"pid,omitempty"`
	Settings     Settings      `json:"settings"`
	URL          string        `json:"url"`
	Status       ServerStatus  `json:"status"`
	CommandLine  string        `json:"command_line,omitempty"`
	WorkDir      string        `json:"work_dir,omitempty"`
	LogFile      string        `json:"log_file,omitempty"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	OutputTail   string        `json:"output_tail,omitempty"`
	Browsers     []BrowserInfo `json:"browsers,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	TerminatedAt *time.Time    `json:"terminated_at,omitempty"`
}

// IsTerminal returns true if the server process is gone.
func (r *ServerRecord) IsTerminal() bool {
	return r.Status == ServerStatusTerminated || r.Status == ServerStatusFailed
}

// IsLive returns true while the server process may still be running.
func (r *ServerRecord) IsLive() bool {
	return !r.IsTerminal()
}

// Clone returns a copy that shares no mutable state with r.
func (r *ServerRecord) Clone() *ServerRecord {
	c := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	if r.StartedAt != nil {
		at := *r.StartedAt
		c.StartedAt = &at
	}
	if r.TerminatedAt != nil {
		at := *r.TerminatedAt
		c.TerminatedAt = &at
	}
	if r.Browsers != nil {
		c.Browsers = append([]BrowserInfo(nil), r.Browsers...)
	}
	return &c
}

// ServerSummary provides a condensed view of a server for listing.
type ServerSummary struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   ServerStatus `json:"status"`
	URL      string       `json:"url"`
	Browsers int          `json:"browsers"`
	Uptime   string       `json:"uptime,omitempty"`
	Age      string       `json:"age"`
}

// ToSummary converts a ServerRecord to a ServerSummary.
func (r *ServerRecord) ToSummary(now time.Time) ServerSummary {
	summary := ServerSummary{
		ID:       r.ID,
		Name:     r.Name,
		Status:   r.Status,
		URL:      r.URL,
		Browsers: len(r.Browsers),
		Age:      humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
	}
	if r.StartedAt != nil {
		end := now
		if r.TerminatedAt != nil {
			end = *r.TerminatedAt
		}
		summary.Uptime = end.Sub(*r.StartedAt).Round(time.Second).String()
	}
	return summary
}

// StartRequest represents a request to start a new server.
// Zero fields take the supervisor defaults.
type StartRequest struct {
	Port           int        `json:"port,omitempty"`
	RunnerMode     RunnerMode `json:"runner_mode,omitempty"`
	BrowserTimeout string     `json:"browser_timeout,omitempty"`
}

// ListRequest represents a request to list servers.
type ListRequest struct {
	Status []ServerStatus `json:"status,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// StreamEventKind distinguishes output lines from lifecycle transitions.
type StreamEventKind string

const (
	StreamEventOutput    StreamEventKind = "output"
	StreamEventLifecycle StreamEventKind = "lifecycle"
)

// Lifecycle event types carried by StreamEvent.Type.
const (
	LifecycleServerStarted   = "server_started"
	LifecycleServerStopped   = "server_stopped"
	LifecycleBrowserCaptured = "browser_captured"
	LifecycleBrowserPanicked = "browser_panicked"
)

// StreamEvent is what clients receive on a server's event stream.
type StreamEvent struct {
	Kind    StreamEventKind `json:"kind"`
	Stream  Stream          `json:"stream,omitempty"`
	Text    string          `json:"text,omitempty"`
	Type    string          `json:"type,omitempty"`
	Browser *BrowserInfo    `json:"browser,omitempty"`
	Time    time.Time       `json:"time"`
}
