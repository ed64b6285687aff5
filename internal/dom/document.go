// Package dom defines the slice of a rendered editor document that the
// view-only guard manipulates, plus an in-memory implementation.
package dom

import (
	"errors"

	"viewonly-guard/internal/keys"
)

var (
	// ErrNoRoot is returned when the document (or its root element) is gone,
	// typically because the host is tearing the editor down.
	ErrNoRoot = errors.New("document root unavailable")
	// ErrDetached is returned for a node the host removed from the document.
	ErrDetached = errors.New("node detached from document")
	// ErrUnknownListener is returned when removing a listener that is not attached.
	ErrUnknownListener = errors.New("listener not attached")
)

// Listener kinds.
const (
	KindKeyboard = "keyboard"
	KindPointer  = "pointer"
)

// Node is an element handle. Ref is stable for the lifetime of the element
// so it can key restore tables across queries.
type Node interface {
	Ref() string
}

// Handler receives one dispatched event.
type Handler func(ev *Event)

// Blocked describes an event a listener suppressed.
type Blocked struct {
	Kind      string `json:"kind"`
	EventType string `json:"type"`
	Key       string `json:"key,omitempty"`
	Reason    string `json:"reason"`
}

// ListenerOptions mirror addEventListener options.
type ListenerOptions struct {
	Capture bool `json:"capture"`
	Passive bool `json:"passive"`
}

// Listener is a document-level event listener.
//
// Handle runs for in-process documents. Out-of-process documents cannot call
// back synchronously, so they evaluate Rules (a JSON-serialisable table) in
// the page and invoke Report for every event they suppress.
type Listener struct {
	Kind    string
	Types   []string
	Options ListenerOptions
	Rules   interface{}
	Handle  Handler
	Report  func(Blocked)
}

// Overlay is a fixed, non-interactive element mounted on the document body.
type Overlay struct {
	ID   string
	Text string
	CSS  string
}

// Document is what the guard needs from a rendered editor.
type Document interface {
	InsertStyle(id, css string) error
	RemoveStyle(id string) error

	AddRootClass(class string) error
	RemoveRootClass(class string) error

	MountOverlay(o Overlay) error
	UnmountOverlay(id string) error

	QueryAll(selector string) ([]Node, error)
	Attr(n Node, name string) (value string, present bool, err error)
	SetAttr(n Node, name, value string) error
	RemoveAttr(n Node, name string) error
	// Closest reports whether n or one of its ancestors matches selector.
	Closest(n Node, selector string) (bool, error)

	AddListener(l Listener) (string, error)
	RemoveListener(id string) error
	HasListener(id string) (bool, error)
}

// Event is an in-process DOM event.
type Event struct {
	Type   string
	Key    keys.Event
	Target Node

	defaultPrevented   bool
	propagationStopped bool
	immediateStopped   bool
}

// NewKeyEvent builds a keyboard event of the given type.
func NewKeyEvent(k keys.Event) *Event {
	return &Event{Type: k.Type, Key: k}
}

// NewPointerEvent builds a pointer event aimed at target.
func NewPointerEvent(typ string, target Node) *Event {
	return &Event{Type: typ, Target: target}
}

func (e *Event) PreventDefault()  { e.defaultPrevented = true }
func (e *Event) StopPropagation() { e.propagationStopped = true }
func (e *Event) StopImmediatePropagation() {
	e.propagationStopped = true
	e.immediateStopped = true
}

func (e *Event) DefaultPrevented() bool            { return e.defaultPrevented }
func (e *Event) PropagationStopped() bool          { return e.propagationStopped }
func (e *Event) ImmediatePropagationStopped() bool { return e.immediateStopped }
