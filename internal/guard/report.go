package guard

import (
	"errors"
	"fmt"

	"viewonly-guard/internal/dom"
)

// StepResult is the outcome of one guard step.
type StepResult struct {
	Step string
	Err  error
}

// Report summarises an Apply, Revert or Refresh pass.
type Report struct {
	Phase string
	Steps []StepResult

	StyleInPlace      bool
	RootMarked        bool
	ListenersAttached bool
	Suspended         int
}

func (r *Report) add(step string, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Err: err})
}

// Err joins every step failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed lists the names of failed steps.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s.Step)
		}
	}
	return out
}

// Protected reports whether any protection that actually suppresses input
// is in place: the CSS switch on the root, or the listeners.
func (r Report) Protected() bool {
	return (r.StyleInPlace && r.RootMarked) || r.ListenersAttached
}

// Snapshot is a point-in-time view of the guard's held resources.
type Snapshot struct {
	Style     bool `json:"style"`
	Indicator bool `json:"indicator"`
	Table     bool `json:"table"`
	Suspended int  `json:"suspended"`
	Listeners int  `json:"listeners"`
}

// Held reports whether all four resources are present.
func (s Snapshot) Held() bool {
	return s.Style && s.Indicator && s.Table && s.Listeners > 0
}

// Released reports whether all four resources are absent.
func (s Snapshot) Released() bool {
	return !s.Style && !s.Indicator && !s.Table && s.Listeners == 0 && s.Suspended == 0
}

// Consistent reports whether the resources are all held or all released.
func (s Snapshot) Consistent() bool {
	return s.Held() || s.Released()
}

type multiAuditor []Auditor

// Auditors fans reports out to every non-nil auditor.
func Auditors(list ...Auditor) Auditor {
	var out multiAuditor
	for _, a := range list {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (m multiAuditor) InputBlocked(b dom.Blocked) {
	for _, a := range m {
		a.InputBlocked(b)
	}
}

func (m multiAuditor) StepFailed(phase, step string, err error) {
	for _, a := range m {
		a.StepFailed(phase, step, err)
	}
}
