// Package guard applies and reverts the view-only protections on a
// rendered editor document: an injected style block keyed off a marker class
// on the root element, a visual indicator, suspended contenteditable regions
// and capture-phase keyboard/pointer listeners.
//
// Guard is best effort, not transactional. Every step runs even when an
// earlier one failed, and failures are collected into a Report instead of
// being returned past the caller.
package guard

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/keys"
)

const (
	editableAttr = "contenteditable"
	disabledEdit = "false"
)

// Step names, in Apply order.
const (
	StepStyle     = "style"
	StepRootClass = "root-class"
	StepIndicator = "indicator"
	StepEditables = "editables"
	StepListeners = "listeners"
)

// Phases reported alongside step failures.
const (
	PhaseApply   = "apply"
	PhaseRevert  = "revert"
	PhaseRefresh = "refresh"
)

var (
	// KeyboardEvents are intercepted by the keyboard listener.
	KeyboardEvents = []string{keys.TypeKeyDown, keys.TypeKeyPress, keys.TypeTextInput, keys.TypeBeforeInput}
	// PointerEvents are intercepted on editable targets.
	PointerEvents = []string{"mousedown", "mouseup", "click", "dblclick"}
)

// Auditor receives what the guard blocked or failed to do.
type Auditor interface {
	InputBlocked(b dom.Blocked)
	StepFailed(phase, step string, err error)
}

type prior struct {
	node    dom.Node
	value   string
	present bool
}

// Guard owns the transient resources of an engaged view-only mode. It is
// driven by the mode controller; callers never toggle it directly.
type Guard struct {
	doc   dom.Document
	opts  Options
	audit Auditor

	mu          sync.Mutex
	style       string
	indicator   string
	rootMarked  bool
	held        bool
	suspended   map[string]prior
	order       []string
	keyboardID  string
	pointerID   string
	editableSel string
}

// New builds a guard for doc. A nil auditor discards reports.
func New(doc dom.Document, opts Options, audit Auditor) *Guard {
	opts = opts.withDefaults()
	return &Guard{
		doc:         doc,
		opts:        opts,
		audit:       audit,
		editableSel: strings.Join(opts.Selectors, ", "),
	}
}

// Apply engages all protections. Calling it while already applied only
// fills in what is missing.
func (g *Guard) Apply() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := Report{Phase: PhaseApply}
	r.add(StepStyle, g.injectStyle())
	r.add(StepRootClass, g.markRoot())
	r.add(StepIndicator, g.mountIndicator())
	r.add(StepEditables, g.suspendEditables())
	r.add(StepListeners, g.attachListeners())

	r.StyleInPlace = g.style != ""
	r.RootMarked = g.rootMarked
	r.ListenersAttached = g.keyboardID != "" || g.pointerID != ""
	r.Suspended = len(g.suspended)
	g.reportFailures(r)
	return r
}

// Revert releases everything Apply acquired, in reverse order. Handles are
// dropped even when the document refuses the call, so a torn-down page never
// leaves the guard believing it still holds resources.
func (g *Guard) Revert() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := Report{Phase: PhaseRevert}
	r.add(StepListeners, g.detachListeners())
	r.add(StepEditables, g.restoreEditables())
	r.add(StepIndicator, g.unmountIndicator())
	r.add(StepRootClass, g.unmarkRoot())
	r.add(StepStyle, g.removeStyle())
	g.reportFailures(r)
	return r
}

// Refresh re-asserts protections the host may have wiped by re-rendering:
// the style block, marker class, indicator and listeners, and suspends
// editable regions rendered since Apply. It does nothing unless applied.
func (g *Guard) Refresh() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := Report{Phase: PhaseRefresh}
	if !g.held {
		return r
	}
	// Documents replace style blocks and overlays by id, so re-asserting
	// never duplicates them. A failed re-assert keeps the handle so Revert
	// still removes what is mounted.
	r.add(StepStyle, g.insertStyle())
	r.add(StepRootClass, g.markRoot())
	r.add(StepIndicator, g.mountOverlay())
	r.add(StepEditables, g.suspendEditables())
	r.add(StepListeners, g.ensureListeners())

	r.StyleInPlace = g.style != ""
	r.RootMarked = g.rootMarked
	r.ListenersAttached = g.keyboardID != "" || g.pointerID != ""
	r.Suspended = len(g.suspended)
	g.reportFailures(r)
	return r
}

// Resources returns a snapshot of the held handles.
func (g *Guard) Resources() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	if g.keyboardID != "" {
		n++
	}
	if g.pointerID != "" {
		n++
	}
	return Snapshot{
		Style:     g.style != "",
		Indicator: g.indicator != "",
		Table:     g.held,
		Suspended: len(g.suspended),
		Listeners: n,
	}
}

func (g *Guard) injectStyle() error {
	if g.style != "" {
		return nil
	}
	return g.insertStyle()
}

func (g *Guard) insertStyle() error {
	if err := g.doc.InsertStyle(g.opts.StyleID, g.opts.css()); err != nil {
		return fmt.Errorf("insert style %s: %w", g.opts.StyleID, err)
	}
	g.style = g.opts.StyleID
	return nil
}

func (g *Guard) markRoot() error {
	if err := g.doc.AddRootClass(g.opts.MarkerClass); err != nil {
		return fmt.Errorf("add root class %s: %w", g.opts.MarkerClass, err)
	}
	g.rootMarked = true
	return nil
}

func (g *Guard) mountIndicator() error {
	if g.indicator != "" {
		return nil
	}
	return g.mountOverlay()
}

func (g *Guard) mountOverlay() error {
	if err := g.doc.MountOverlay(g.opts.overlay()); err != nil {
		return fmt.Errorf("mount indicator: %w", err)
	}
	g.indicator = g.opts.IndicatorID
	return nil
}

// suspendEditables flips every currently editable region to disabled and
// records its exact prior attribute. Regions the host disabled on its own
// are left alone so revert cannot re-enable them.
func (g *Guard) suspendEditables() error {
	if !g.held {
		g.suspended = make(map[string]prior)
		g.order = g.order[:0]
		g.held = true
	}

	nodes, err := g.doc.QueryAll("[" + editableAttr + "]")
	if err != nil {
		return fmt.Errorf("query editables: %w", err)
	}

	var errs []error
	for _, n := range nodes {
		value, present, err := g.doc.Attr(n, editableAttr)
		if err != nil {
			if !errors.Is(err, dom.ErrDetached) {
				errs = append(errs, fmt.Errorf("read %s: %w", n.Ref(), err))
			}
			continue
		}
		if !present || !isEditable(value) {
			continue
		}
		if err := g.doc.SetAttr(n, editableAttr, disabledEdit); err != nil {
			errs = append(errs, fmt.Errorf("suspend %s: %w", n.Ref(), err))
			continue
		}
		// A host re-render may re-enable a node we already hold; keep the
		// first snapshot, which is the pre-activation value.
		if _, seen := g.suspended[n.Ref()]; seen {
			continue
		}
		g.suspended[n.Ref()] = prior{node: n, value: value, present: present}
		g.order = append(g.order, n.Ref())
	}
	return errors.Join(errs...)
}

func (g *Guard) restoreEditables() error {
	var errs []error
	for _, ref := range g.order {
		p, ok := g.suspended[ref]
		if !ok {
			continue
		}
		var err error
		if p.present {
			err = g.doc.SetAttr(p.node, editableAttr, p.value)
		} else {
			err = g.doc.RemoveAttr(p.node, editableAttr)
		}
		if err != nil && !errors.Is(err, dom.ErrDetached) {
			errs = append(errs, fmt.Errorf("restore %s: %w", ref, err))
		}
	}
	g.suspended = nil
	g.order = nil
	g.held = false
	return errors.Join(errs...)
}

func (g *Guard) attachListeners() error {
	var errs []error
	if g.keyboardID == "" {
		id, err := g.doc.AddListener(g.keyboardListener())
		if err != nil {
			errs = append(errs, fmt.Errorf("attach keyboard listener: %w", err))
		} else {
			g.keyboardID = id
		}
	}
	if g.pointerID == "" {
		id, err := g.doc.AddListener(g.pointerListener())
		if err != nil {
			errs = append(errs, fmt.Errorf("attach pointer listener: %w", err))
		} else {
			g.pointerID = id
		}
	}
	return errors.Join(errs...)
}

// ensureListeners re-attaches listeners a full page reload dropped.
func (g *Guard) ensureListeners() error {
	var errs []error
	for _, id := range []*string{&g.keyboardID, &g.pointerID} {
		if *id == "" {
			continue
		}
		ok, err := g.doc.HasListener(*id)
		if err != nil {
			errs = append(errs, fmt.Errorf("check listener: %w", err))
			continue
		}
		if !ok {
			*id = ""
		}
	}
	errs = append(errs, g.attachListeners())
	return errors.Join(errs...)
}

func (g *Guard) detachListeners() error {
	var errs []error
	for _, id := range []*string{&g.keyboardID, &g.pointerID} {
		if *id == "" {
			continue
		}
		if err := g.doc.RemoveListener(*id); err != nil && !errors.Is(err, dom.ErrUnknownListener) {
			errs = append(errs, fmt.Errorf("detach listener %s: %w", *id, err))
		}
		*id = ""
	}
	return errors.Join(errs...)
}

func (g *Guard) unmountIndicator() error {
	if g.indicator == "" {
		return nil
	}
	id := g.indicator
	g.indicator = ""
	if err := g.doc.UnmountOverlay(id); err != nil {
		return fmt.Errorf("unmount indicator: %w", err)
	}
	return nil
}

func (g *Guard) unmarkRoot() error {
	g.rootMarked = false
	if err := g.doc.RemoveRootClass(g.opts.MarkerClass); err != nil {
		return fmt.Errorf("remove root class %s: %w", g.opts.MarkerClass, err)
	}
	return nil
}

func (g *Guard) removeStyle() error {
	if g.style == "" {
		return nil
	}
	id := g.style
	g.style = ""
	if err := g.doc.RemoveStyle(id); err != nil {
		return fmt.Errorf("remove style %s: %w", id, err)
	}
	return nil
}

func (g *Guard) reportFailures(r Report) {
	for _, s := range r.Steps {
		if s.Err == nil {
			continue
		}
		log.Printf("view-only %s: step %s failed: %v", r.Phase, s.Step, s.Err)
		if g.audit != nil {
			g.audit.StepFailed(r.Phase, s.Step, s.Err)
		}
	}
}

func (g *Guard) blocked(b dom.Blocked) {
	if g.audit != nil {
		g.audit.InputBlocked(b)
	}
}

func isEditable(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "plaintext-only":
		return true
	}
	return false
}
