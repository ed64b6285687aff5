package mangle

import (
	"context"
	"log"
	"time"

	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/mode"
)

// Audit predicates.
const (
	PredViewOnlyState   = "view_only_state"
	PredInputBlocked    = "input_blocked"
	PredGuardStepFailed = "guard_step_failed"
	PredGuardDegraded   = "guard_degraded"
)

// BuiltinSchema declares the audit facts and the rules derived from them.
// Files named by mangle.schema_path are appended to it.
const BuiltinSchema = `
Decl view_only_state(State, Source).
Decl input_blocked(EventType, Key, Reason).
Decl guard_step_failed(Phase, Step, Message).

Decl guard_degraded(Step).
Decl typing_blocked(Key).
Decl edit_shortcut_blocked(Key).
Decl pointer_blocked(EventType).

guard_degraded(Step) :- guard_step_failed(_, Step, _).
typing_blocked(Key) :- input_blocked(_, Key, "typing").
edit_shortcut_blocked(Key) :- input_blocked(_, Key, "deny-combo").
edit_shortcut_blocked(Key) :- input_blocked(_, Key, "modified").
pointer_blocked(EventType) :- input_blocked(EventType, _, "editable-target").
`

// Audit records guard activity as facts. It satisfies guard.Auditor and
// mode.Sink.
type Audit struct {
	engine  *Engine
	timeout time.Duration
}

// NewAudit feeds engine.
func NewAudit(engine *Engine) *Audit {
	return &Audit{engine: engine, timeout: time.Second}
}

// StateChanged records a completed transition.
func (a *Audit) StateChanged(c mode.StateChange) {
	state := "disabled"
	if c.Active {
		state = "enabled"
	}
	a.add(Fact{Predicate: PredViewOnlyState, Args: []interface{}{state, c.Source}, Timestamp: c.At})
}

// InputBlocked records a suppressed event.
func (a *Audit) InputBlocked(b dom.Blocked) {
	a.add(Fact{Predicate: PredInputBlocked, Args: []interface{}{b.EventType, b.Key, b.Reason}})
}

// StepFailed records a guard step that did not complete.
func (a *Audit) StepFailed(phase, step string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.add(Fact{Predicate: PredGuardStepFailed, Args: []interface{}{phase, step, msg}})
}

func (a *Audit) add(f Fact) {
	if a == nil || a.engine == nil {
		return
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.engine.AddFacts(ctx, []Fact{f}); err != nil {
		log.Printf("audit: record %s: %v", f.Predicate, err)
	}
}
