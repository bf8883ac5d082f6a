package launch

import (
	"context"
	"encoding/json"
	"time"
)

type ServiceSpec struct {
	Name    string            `json:"name"`
	Dir     string            `json:"dir"`
	Command string            `json:"command"`
	Port    int               `json:"port,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Plan is everything a single launcher run needs. The UI service is always
// spawned first, the API service after Delay.
type Plan struct {
	UI      ServiceSpec   `json:"ui"`
	API     ServiceSpec   `json:"api"`
	Delay   time.Duration `json:"delay"`
	UIURLs  []string      `json:"ui_urls"`
	APIURL  string        `json:"api_url"`
	DocsURL string        `json:"docs_url"`
}

// MarshalJSON writes Delay as a duration string ("3s") rather than
// nanoseconds.
func (p Plan) MarshalJSON() ([]byte, error) {
	type plain Plan
	return json.Marshal(struct {
		plain
		Delay string `json:"delay"`
	}{plain: plain(p), Delay: p.Delay.String()})
}

// Services returns the services in launch order.
func (p Plan) Services() []ServiceSpec {
	return []ServiceSpec{p.UI, p.API}
}

// URLs returns every advertised URL in print order.
func (p Plan) URLs() []string {
	out := append([]string{}, p.UIURLs...)
	if p.APIURL != "" {
		out = append(out, p.APIURL)
	}
	if p.DocsURL != "" {
		out = append(out, p.DocsURL)
	}
	return out
}

// ProcessHandle refers to a spawned service process. The launcher itself
// never uses it after spawning; it exists so callers can query or stop
// services later.
type ProcessHandle interface {
	PID() int
	Alive() bool
	Stop(ctx context.Context) error
}

// LaunchResult is the synchronous outcome of a spawn action. Err is only set
// when the process could not be started at all; failures inside a started
// service are never reflected here.
type LaunchResult struct {
	Service   ServiceSpec   `json:"service"`
	Handle    ProcessHandle `json:"-"`
	StdoutLog string        `json:"stdout_log,omitempty"`
	StderrLog string        `json:"stderr_log,omitempty"`
	Err       error         `json:"-"`
	At        time.Time     `json:"at"`
	// StartTicks identifies the process beyond its PID; see
	// state.ProcessStartTicks. Zero when unknown.
	StartTicks uint64 `json:"start_ticks,omitempty"`
}

func (r LaunchResult) OK() bool {
	return r.Err == nil && r.Handle != nil
}

func (r LaunchResult) PID() int {
	if r.Handle == nil {
		return 0
	}
	return r.Handle.PID()
}

type Report struct {
	RunID   string         `json:"run_id"`
	Results []LaunchResult `json:"results"`
	URLs    []string       `json:"urls"`
}

type RunState string

const (
	StateIdle        RunState = "idle"
	StateUILaunched  RunState = "ui_launched"
	StateAPILaunched RunState = "api_launched"
	StateAwaitingAck RunState = "awaiting_ack"
	StateDone        RunState = "done"
)

const (
	EventRunStarted    = "run.started"
	EventLaunchIssued  = "launch.issued"
	EventLaunchFailed  = "launch.failed"
	EventDelayStarted  = "delay.started"
	EventURLsAnnounced = "urls.announced"
	EventAckAwaiting   = "ack.awaiting"
	EventRunFinished   = "run.finished"
)

type LaunchEvent struct {
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	Service string    `json:"service,omitempty"`
	Command string    `json:"command,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Delay   string    `json:"delay,omitempty"`
	URLs    []string  `json:"urls,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type EventSink interface {
	Emit(ctx context.Context, ev LaunchEvent) error
}

// Recorder persists successful launches, e.g. for a later status or down.
type Recorder interface {
	Record(runID string, res LaunchResult) error
}

type Spawner interface {
	Spawn(ctx context.Context, svc ServiceSpec) LaunchResult
}

type Acknowledger interface {
	Wait(ctx context.Context) error
}
