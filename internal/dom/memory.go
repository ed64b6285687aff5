package dom

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Element is a node of a Memory document.
type Element struct {
	ref     string
	Tag     string
	parent  *Element
	attrs   map[string]string
	removed bool
}

func (e *Element) Ref() string { return e.ref }

// Attribute returns the current attribute value as the host would see it.
func (e *Element) Attribute(name string) (string, bool) {
	v, ok := e.attrs[strings.ToLower(name)]
	return v, ok
}

// HasClass reports whether the class attribute lists cls.
func (e *Element) HasClass(cls string) bool {
	for _, c := range strings.Fields(e.attrs["class"]) {
		if c == cls {
			return true
		}
	}
	return false
}

func (e *Element) addClass(cls string) {
	if e.HasClass(cls) {
		return
	}
	e.attrs["class"] = strings.TrimSpace(e.attrs["class"] + " " + cls)
}

func (e *Element) removeClass(cls string) {
	fields := strings.Fields(e.attrs["class"])
	kept := fields[:0]
	for _, c := range fields {
		if c != cls {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(e.attrs, "class")
		return
	}
	e.attrs["class"] = strings.Join(kept, " ")
}

func (e *Element) connected() bool {
	for n := e; n != nil; n = n.parent {
		if n.removed {
			return false
		}
	}
	return true
}

type memListener struct {
	id string
	l  Listener
}

// Memory is an in-process Document. It backs the dry-run mode and the tests,
// and lets callers play the host: append and remove elements, register
// target-phase handlers, dispatch events, tear the whole document down, and
// inject failures per operation.
type Memory struct {
	mu sync.Mutex

	root      *Element
	body      *Element
	elements  []*Element
	styles    map[string]string
	overlays  map[string]Overlay
	listeners []memListener
	host      map[string][]Handler
	faults    map[string]error
	torn      bool
	seq       int
}

// NewMemory returns an empty document with <html> and <body>.
func NewMemory() *Memory {
	m := &Memory{
		styles:   make(map[string]string),
		overlays: make(map[string]Overlay),
		host:     make(map[string][]Handler),
		faults:   make(map[string]error),
	}
	m.root = m.newElement(nil, "html", nil)
	m.body = m.newElement(m.root, "body", nil)
	return m
}

func (m *Memory) newElement(parent *Element, tag string, attrs map[string]string) *Element {
	m.seq++
	el := &Element{
		ref:    fmt.Sprintf("mem-%d", m.seq),
		Tag:    strings.ToLower(tag),
		parent: parent,
		attrs:  make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		el.attrs[strings.ToLower(k)] = v
	}
	m.elements = append(m.elements, el)
	return el
}

// Body returns the <body> element.
func (m *Memory) Body() *Element { return m.body }

// Append adds an element under parent (body when nil), the way the host
// renders new content.
func (m *Memory) Append(parent *Element, tag string, attrs map[string]string) *Element {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent == nil {
		parent = m.body
	}
	return m.newElement(parent, tag, attrs)
}

// Remove detaches el and its subtree, the way a host re-render drops nodes.
func (m *Memory) Remove(el *Element) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el.removed = true
}

// SetHostAttr mutates an attribute on behalf of the host.
func (m *Memory) SetHostAttr(el *Element, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el.attrs[strings.ToLower(name)] = value
}

// Teardown simulates the host dismantling the editor: every later call
// fails with ErrNoRoot.
func (m *Memory) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torn = true
}

// FailOn makes the named Document method return err until cleared with nil.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// OnHost registers a target-phase handler standing in for the host editor.
func (m *Memory) OnHost(typ string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host[typ] = append(m.host[typ], h)
}

// Dispatch delivers ev: capture listeners in registration order, then the
// host handlers, then bubble listeners. Propagation flags are honoured.
func (m *Memory) Dispatch(ev *Event) {
	m.mu.Lock()
	var capture, bubble []Handler
	for _, ml := range m.listeners {
		if ml.l.Handle == nil || !containsType(ml.l.Types, ev.Type) {
			continue
		}
		if ml.l.Options.Capture {
			capture = append(capture, ml.l.Handle)
		} else {
			bubble = append(bubble, ml.l.Handle)
		}
	}
	host := append([]Handler(nil), m.host[ev.Type]...)
	m.mu.Unlock()

	for _, h := range capture {
		h(ev)
		if ev.immediateStopped {
			return
		}
	}
	if ev.propagationStopped {
		return
	}
	for _, h := range host {
		h(ev)
		if ev.immediateStopped {
			return
		}
	}
	if ev.propagationStopped {
		return
	}
	for _, h := range bubble {
		h(ev)
		if ev.immediateStopped {
			return
		}
	}
}

// StyleCount returns the number of injected style blocks.
func (m *Memory) StyleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.styles)
}

// Style returns the css of the style block with id.
func (m *Memory) Style(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	css, ok := m.styles[id]
	return css, ok
}

// OverlayCount returns the number of mounted overlays.
func (m *Memory) OverlayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overlays)
}

// ListenerCount returns the number of attached listeners.
func (m *Memory) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// CaptureListenerCount returns the number of attached capture-phase listeners.
func (m *Memory) CaptureListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ml := range m.listeners {
		if ml.l.Options.Capture {
			n++
		}
	}
	return n
}

// RootHasClass reports whether <html> carries cls.
func (m *Memory) RootHasClass(cls string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.HasClass(cls)
}

func (m *Memory) check(op string) error {
	if m.torn {
		return ErrNoRoot
	}
	if err, ok := m.faults[op]; ok {
		return err
	}
	return nil
}

func (m *Memory) element(n Node) (*Element, error) {
	el, ok := n.(*Element)
	if !ok {
		return nil, fmt.Errorf("foreign node %T", n)
	}
	if !el.connected() {
		return nil, ErrDetached
	}
	return el, nil
}

func (m *Memory) InsertStyle(id, css string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("InsertStyle"); err != nil {
		return err
	}
	m.styles[id] = css
	return nil
}

func (m *Memory) RemoveStyle(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("RemoveStyle"); err != nil {
		return err
	}
	delete(m.styles, id)
	return nil
}

func (m *Memory) AddRootClass(class string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddRootClass"); err != nil {
		return err
	}
	m.root.addClass(class)
	return nil
}

func (m *Memory) RemoveRootClass(class string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("RemoveRootClass"); err != nil {
		return err
	}
	m.root.removeClass(class)
	return nil
}

func (m *Memory) MountOverlay(o Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("MountOverlay"); err != nil {
		return err
	}
	m.overlays[o.ID] = o
	return nil
}

func (m *Memory) UnmountOverlay(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UnmountOverlay"); err != nil {
		return err
	}
	delete(m.overlays, id)
	return nil
}

func (m *Memory) QueryAll(selector string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("QueryAll"); err != nil {
		return nil, err
	}
	sel, err := parseSelectorList(selector)
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, el := range m.elements {
		if el.connected() && matchesAny(sel, el) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (m *Memory) Attr(n Node, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Attr"); err != nil {
		return "", false, err
	}
	el, err := m.element(n)
	if err != nil {
		return "", false, err
	}
	v, ok := el.attrs[strings.ToLower(name)]
	return v, ok, nil
}

func (m *Memory) SetAttr(n Node, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SetAttr"); err != nil {
		return err
	}
	el, err := m.element(n)
	if err != nil {
		return err
	}
	el.attrs[strings.ToLower(name)] = value
	return nil
}

func (m *Memory) RemoveAttr(n Node, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("RemoveAttr"); err != nil {
		return err
	}
	el, err := m.element(n)
	if err != nil {
		return err
	}
	delete(el.attrs, strings.ToLower(name))
	return nil
}

func (m *Memory) Closest(n Node, selector string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Closest"); err != nil {
		return false, err
	}
	el, err := m.element(n)
	if err != nil {
		return false, err
	}
	sel, err := parseSelectorList(selector)
	if err != nil {
		return false, err
	}
	for cur := el; cur != nil; cur = cur.parent {
		if matchesAny(sel, cur) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AddListener(l Listener) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("AddListener"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.listeners = append(m.listeners, memListener{id: id, l: l})
	return id, nil
}

func (m *Memory) RemoveListener(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("RemoveListener"); err != nil {
		return err
	}
	for i, ml := range m.listeners {
		if ml.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return nil
		}
	}
	return ErrUnknownListener
}

func (m *Memory) HasListener(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("HasListener"); err != nil {
		return false, err
	}
	for _, ml := range m.listeners {
		if ml.id == id {
			return true, nil
		}
	}
	return false, nil
}

func containsType(types []string, typ string) bool {
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}
