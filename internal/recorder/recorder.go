// Package recorder keeps a rotating JSONL trace of guard activity: mode
// transitions, suppressed input and failed guard steps.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/mode"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written to a trace.
const (
	EventSession    = "session"
	EventState      = "state"
	EventBlocked    = "blocked"
	EventStepFailed = "step_failed"
)

// Event is a single trace line.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// StepFailure is the payload of a step_failed event.
type StepFailure struct {
	Phase string `json:"phase"`
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Recorder writes one trace file per editor session and keeps only the
// newest MaxRotatedFiles. It satisfies guard.Auditor and mode.Sink.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	basePath  string
	sessionID string
}

// NewRecorder creates the trace directory if needed.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
	}, nil
}

// Start opens a new trace for sessionID, rotating old ones out.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.sessionID = sessionID
	r.write(EventSession, time.Now(), map[string]string{"file": filename})
	return nil
}

// Log writes an event to the current trace. It does nothing before Start.
func (r *Recorder) Log(eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(eventType, time.Now(), data)
}

func (r *Recorder) write(eventType string, at time.Time, data interface{}) {
	if r.encoder == nil {
		return
	}
	evt := Event{
		Timestamp: at,
		Type:      eventType,
		SessionID: r.sessionID,
		Data:      data,
	}
	if err := r.encoder.Encode(evt); err != nil {
		log.Printf("recorder: write %s: %v", eventType, err)
	}
}

// StateChanged traces a completed mode transition.
func (r *Recorder) StateChanged(c mode.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(EventState, c.At, c)
}

// InputBlocked traces a suppressed event.
func (r *Recorder) InputBlocked(b dom.Blocked) {
	r.Log(EventBlocked, b)
}

// StepFailed traces a guard step that did not complete.
func (r *Recorder) StepFailed(phase, step string, err error) {
	f := StepFailure{Phase: phase, Step: step}
	if err != nil {
		f.Error = err.Error()
	}
	r.Log(EventStepFailed, f)
}

// rotate keeps only the newest MaxRotatedFiles-1 traces, leaving room for
// the one about to be created.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
