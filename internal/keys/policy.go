// Package keys decides which keyboard events may reach the editor while
// view-only mode is engaged.
//
// The Policy is a plain rule table. In-process documents call Decide
// directly; the live page receives the same table as JSON and evaluates it in
// its own event loop, so both sides must stay in lockstep with decide().
package keys

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Event types routed through the keyboard listener.
const (
	TypeKeyDown     = "keydown"
	TypeKeyPress    = "keypress"
	TypeTextInput   = "textInput"
	TypeBeforeInput = "beforeinput"
)

// Reasons reported for a decision.
const (
	ReasonAllowKey   = "allow-key"
	ReasonAllowCombo = "allow-combo"
	ReasonPass       = "pass"
	ReasonTextInput  = "text-input"
	ReasonDenyKey    = "deny-key"
	ReasonDenyCombo  = "deny-combo"
	ReasonTyping     = "typing"
	ReasonModified   = "modified"
)

// Event is the subset of a DOM KeyboardEvent/InputEvent the policy needs.
type Event struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Data  string `json:"data,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// Primary reports whether the platform command modifier (Ctrl or Meta) is held.
func (e Event) Primary() bool { return e.Ctrl || e.Meta }

// Modified reports whether any non-Shift modifier is held. Shift alone only
// changes the produced character.
func (e Event) Modified() bool { return e.Ctrl || e.Alt || e.Meta }

// Printable reports whether the key value is a single character that would
// insert text: a letter, mark, number, punctuation, symbol or space separator.
func (e Event) Printable() bool {
	if utf8.RuneCountInString(e.Key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(e.Key)
	return unicode.IsGraphic(r)
}

// Combo matches a key together with its modifiers. Shift is ignored so a
// combo covers both directions (find-next/find-previous, undo/redo).
type Combo struct {
	Key     string `json:"key"`
	Primary bool   `json:"primary,omitempty"`
	Alt     bool   `json:"alt,omitempty"`
}

func (c Combo) matches(e Event) bool {
	return strings.EqualFold(c.Key, e.Key) && c.Primary == e.Primary() && c.Alt == e.Alt
}

// Policy is the serialisable allow/deny table.
type Policy struct {
	// AllowKeys pass with any modifiers (navigation, Escape, find-next).
	AllowKeys []string `json:"allow_keys"`

	// AllowCombos pass only with exactly the listed modifiers.
	AllowCombos []Combo `json:"allow_combos"`

	DenyKeys   []string `json:"deny_keys"`
	DenyCombos []Combo  `json:"deny_combos"`

	// BlockTyping blocks unmodified printable characters.
	BlockTyping bool `json:"block_typing"`

	// BlockModified blocks any remaining Ctrl/Alt/Meta combination.
	BlockModified bool `json:"block_modified"`
}

// Decision is the verdict for one event.
type Decision struct {
	Allow  bool
	Reason string
}

// DefaultPolicy returns the read-only affordance table: copy, select-all,
// find and navigation pass; typing, deletion, structure keys, clipboard
// writes and history edits are blocked.
func DefaultPolicy() Policy {
	return Policy{
		AllowKeys: []string{
			"Escape", "Esc",
			"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
			"Up", "Down", "Left", "Right",
			"Home", "End", "PageUp", "PageDown",
			"F3",
			"Control", "Shift", "Alt", "Meta", "OS", "CapsLock",
		},
		AllowCombos: []Combo{
			{Key: "c", Primary: true},
			{Key: "a", Primary: true},
			{Key: "f", Primary: true},
			{Key: "g", Primary: true},
			{Key: "h", Primary: true},
			{Key: "Insert", Primary: true},
		},
		DenyKeys: []string{
			"Backspace", "Delete", "Del", "Enter", "Tab", "Insert", " ", "Spacebar",
		},
		DenyCombos: []Combo{
			{Key: "z", Primary: true},
			{Key: "y", Primary: true},
			{Key: "x", Primary: true},
			{Key: "v", Primary: true},
		},
		BlockTyping:   true,
		BlockModified: true,
	}
}

// Decide evaluates the table for one event. The allow side is consulted
// first, so an event matching both an allow and a deny rule passes.
func (p Policy) Decide(e Event) Decision {
	if e.Type == TypeTextInput || e.Type == TypeBeforeInput {
		return Decision{Reason: ReasonTextInput}
	}
	if containsFold(p.AllowKeys, e.Key) {
		return Decision{Allow: true, Reason: ReasonAllowKey}
	}
	if matchesAny(p.AllowCombos, e) {
		return Decision{Allow: true, Reason: ReasonAllowCombo}
	}
	if containsFold(p.DenyKeys, e.Key) {
		return Decision{Reason: ReasonDenyKey}
	}
	if matchesAny(p.DenyCombos, e) {
		return Decision{Reason: ReasonDenyCombo}
	}
	if p.BlockTyping && !e.Modified() && e.Printable() {
		return Decision{Reason: ReasonTyping}
	}
	if p.BlockModified && e.Modified() {
		return Decision{Reason: ReasonModified}
	}
	return Decision{Allow: true, Reason: ReasonPass}
}

func containsFold(list []string, key string) bool {
	for _, k := range list {
		// " " must not match "" and vice versa.
		if k == key || (len(k) > 1 && strings.EqualFold(k, key)) {
			return true
		}
	}
	return false
}

func matchesAny(list []Combo, e Event) bool {
	for _, c := range list {
		if c.matches(e) {
			return true
		}
	}
	return false
}
