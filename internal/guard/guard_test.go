package guard

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/keys"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu      sync.Mutex
	blocked []dom.Blocked
	failed  []string
}

func (a *recordingAuditor) InputBlocked(b dom.Blocked) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = append(a.blocked, b)
}

func (a *recordingAuditor) StepFailed(phase, step string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, phase+"/"+step)
}

// editorPage renders a small outline: three blocks with different editing
// states plus a host handler counting keystrokes that reach the editor.
type editorPage struct {
	doc      *dom.Memory
	blocks   []*dom.Element
	readOnly *dom.Element
	plain    *dom.Element
	toolbar  *dom.Element
	typed    int
	clicked  int
}

func newEditorPage() *editorPage {
	p := &editorPage{doc: dom.NewMemory()}
	for _, v := range []string{"true", "", "plaintext-only"} {
		block := p.doc.Append(nil, "div", map[string]string{"class": "ls-block"})
		p.blocks = append(p.blocks, p.doc.Append(block, "div", map[string]string{
			"class":           "block-content",
			"contenteditable": v,
		}))
	}
	p.readOnly = p.doc.Append(nil, "div", map[string]string{"contenteditable": "false"})
	p.plain = p.doc.Append(nil, "p", nil)
	p.toolbar = p.doc.Append(nil, "button", map[string]string{"class": "toolbar"})
	p.doc.OnHost(keys.TypeKeyDown, func(*dom.Event) { p.typed++ })
	p.doc.OnHost("click", func(*dom.Event) { p.clicked++ })
	return p
}

func (p *editorPage) attr(el *dom.Element) (string, bool) {
	return el.Attribute("contenteditable")
}

func TestApplyRevertRoundTrip(t *testing.T) {
	p := newEditorPage()
	before := map[*dom.Element][2]interface{}{}
	for _, el := range append(append([]*dom.Element{}, p.blocks...), p.readOnly, p.plain) {
		v, ok := p.attr(el)
		before[el] = [2]interface{}{v, ok}
	}

	g := New(p.doc, DefaultOptions(), nil)
	r := g.Apply()
	require.NoError(t, r.Err())
	assert.True(t, r.Protected())
	assert.Equal(t, 3, r.Suspended)

	for _, el := range p.blocks {
		v, _ := p.attr(el)
		assert.Equal(t, "false", v)
	}
	assert.True(t, p.doc.RootHasClass(DefaultMarkerClass))
	assert.Equal(t, 1, p.doc.StyleCount())
	assert.Equal(t, 1, p.doc.OverlayCount())
	assert.Equal(t, 2, p.doc.CaptureListenerCount())
	assert.True(t, g.Resources().Held())

	r = g.Revert()
	require.NoError(t, r.Err())

	for el, want := range before {
		v, ok := p.attr(el)
		assert.Equal(t, want, [2]interface{}{v, ok}, "attribute of %s", el.Ref())
	}
	assert.False(t, p.doc.RootHasClass(DefaultMarkerClass))
	assert.Zero(t, p.doc.StyleCount())
	assert.Zero(t, p.doc.OverlayCount())
	assert.Zero(t, p.doc.ListenerCount())
	assert.True(t, g.Resources().Released())
}

func TestApplyIsIdempotent(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, DefaultOptions(), nil)

	g.Apply()
	g.Apply()

	assert.Equal(t, 1, p.doc.StyleCount())
	assert.Equal(t, 1, p.doc.OverlayCount())
	assert.Equal(t, 2, p.doc.ListenerCount())

	g.Revert()
	for i, el := range p.blocks {
		v, _ := p.attr(el)
		assert.Equal(t, []string{"true", "", "plaintext-only"}[i], v)
	}
}

func TestKeyboardInterception(t *testing.T) {
	p := newEditorPage()
	audit := &recordingAuditor{}
	g := New(p.doc, DefaultOptions(), audit)

	typeKey := func(k keys.Event) *dom.Event {
		ev := dom.NewKeyEvent(k)
		p.doc.Dispatch(ev)
		return ev
	}

	ev := typeKey(keys.Event{Type: keys.TypeKeyDown, Key: "q"})
	assert.False(t, ev.DefaultPrevented(), "inactive guard must not intercept")
	assert.Equal(t, 1, p.typed)

	g.Apply()

	ev = typeKey(keys.Event{Type: keys.TypeKeyDown, Key: "q"})
	assert.True(t, ev.DefaultPrevented())
	assert.True(t, ev.ImmediatePropagationStopped())
	assert.Equal(t, 1, p.typed, "host must not observe blocked typing")

	ev = typeKey(keys.Event{Type: keys.TypeKeyDown, Key: "c", Ctrl: true})
	assert.False(t, ev.DefaultPrevented(), "copy must pass")
	assert.Equal(t, 2, p.typed)

	ev = typeKey(keys.Event{Type: keys.TypeKeyDown, Key: "ArrowDown", Shift: true})
	assert.False(t, ev.DefaultPrevented(), "range navigation must pass")

	require.Len(t, audit.blocked, 1)
	assert.Equal(t, dom.KindKeyboard, audit.blocked[0].Kind)
	assert.Equal(t, keys.ReasonTyping, audit.blocked[0].Reason)

	g.Revert()
	ev = typeKey(keys.Event{Type: keys.TypeKeyDown, Key: "q"})
	assert.False(t, ev.DefaultPrevented())
}

func TestAllowListPrecedenceThroughGuard(t *testing.T) {
	p := newEditorPage()
	opts := DefaultOptions()
	opts.Policy.DenyCombos = append(opts.Policy.DenyCombos, keys.Combo{Key: "a", Primary: true})
	g := New(p.doc, opts, nil)
	g.Apply()

	ev := dom.NewKeyEvent(keys.Event{Type: keys.TypeKeyDown, Key: "a", Meta: true})
	p.doc.Dispatch(ev)
	assert.False(t, ev.DefaultPrevented())
}

func TestPointerInterception(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, DefaultOptions(), nil)
	g.Apply()

	inner := p.doc.Append(p.blocks[0], "span", nil)
	ev := dom.NewPointerEvent("click", inner)
	p.doc.Dispatch(ev)
	assert.True(t, ev.DefaultPrevented(), "click inside block content must be blocked")

	ev = dom.NewPointerEvent("click", p.toolbar)
	p.doc.Dispatch(ev)
	assert.False(t, ev.DefaultPrevented())
	assert.Equal(t, 1, p.clicked)

	ev = dom.NewPointerEvent("dblclick", p.blocks[1])
	p.doc.Dispatch(ev)
	assert.True(t, ev.DefaultPrevented())
}

func TestApplyContinuesPastFailedStep(t *testing.T) {
	p := newEditorPage()
	audit := &recordingAuditor{}
	p.doc.FailOn("InsertStyle", errors.New("head missing"))

	g := New(p.doc, DefaultOptions(), audit)
	r := g.Apply()

	assert.Equal(t, []string{StepStyle}, r.Failed())
	assert.True(t, r.Protected(), "listeners still protect the page")
	assert.Equal(t, 1, p.doc.OverlayCount())
	assert.Equal(t, 3, r.Suspended)
	assert.Contains(t, audit.failed, PhaseApply+"/"+StepStyle)

	p.doc.FailOn("InsertStyle", nil)
	r = g.Refresh()
	require.NoError(t, r.Err())
	assert.True(t, g.Resources().Held())
}

func TestFailedRefreshKeepsHandles(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, DefaultOptions(), nil)
	require.NoError(t, g.Apply().Err())

	p.doc.FailOn("InsertStyle", errors.New("call timed out"))
	p.doc.FailOn("MountOverlay", errors.New("call timed out"))
	r := g.Refresh()
	assert.ElementsMatch(t, []string{StepStyle, StepIndicator}, r.Failed())
	assert.True(t, r.StyleInPlace)

	snap := g.Resources()
	assert.True(t, snap.Consistent(), "snapshot %+v", snap)
	assert.True(t, snap.Held())

	p.doc.FailOn("InsertStyle", nil)
	p.doc.FailOn("MountOverlay", nil)
	require.NoError(t, g.Revert().Err())
	assert.Zero(t, p.doc.OverlayCount())
	assert.Zero(t, p.doc.StyleCount())
	assert.True(t, g.Resources().Released())
}

func TestRevertAfterTeardown(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, DefaultOptions(), nil)
	g.Apply()

	p.doc.Teardown()
	r := g.Revert()

	assert.Error(t, r.Err())
	assert.True(t, g.Resources().Released(), "handles must be dropped even when the page is gone")
}

func TestNothingProtectedWhenDocumentGone(t *testing.T) {
	p := newEditorPage()
	p.doc.Teardown()
	g := New(p.doc, DefaultOptions(), nil)
	r := g.Apply()
	assert.False(t, r.Protected())
	assert.Len(t, r.Failed(), 5)
}

func TestRefreshSurvivesRerender(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, DefaultOptions(), nil)

	assert.Empty(t, g.Refresh().Steps, "refresh is a no-op while released")

	g.Apply()

	fresh := p.doc.Append(nil, "div", map[string]string{"contenteditable": "true"})
	p.doc.SetHostAttr(p.blocks[0], "contenteditable", "true")
	p.doc.Remove(p.blocks[2])

	r := g.Refresh()
	require.NoError(t, r.Err())
	v, _ := p.attr(fresh)
	assert.Equal(t, "false", v)
	v, _ = p.attr(p.blocks[0])
	assert.Equal(t, "false", v)
	assert.Equal(t, 1, p.doc.OverlayCount())
	assert.Equal(t, 1, p.doc.StyleCount())
	assert.Equal(t, 2, p.doc.ListenerCount())

	r = g.Revert()
	require.NoError(t, r.Err(), "detached nodes are skipped silently")
	v, _ = p.attr(fresh)
	assert.Equal(t, "true", v)
	v, _ = p.attr(p.blocks[0])
	assert.Equal(t, "true", v)
}

func TestStyleIsScopedToMarkerClass(t *testing.T) {
	p := newEditorPage()
	g := New(p.doc, Options{MarkerClass: "locked"}, nil)
	g.Apply()

	css, ok := p.doc.Style(DefaultStyleID)
	require.True(t, ok)
	assert.Contains(t, css, "html.locked [contenteditable]")
	assert.Contains(t, css, "pointer-events: none")
	assert.Contains(t, css, "user-select: text")
	for _, line := range strings.Split(css, "\n") {
		if strings.HasPrefix(line, "html.") {
			assert.Contains(t, line, "html.locked")
		}
	}
}

func TestSnapshotConsistency(t *testing.T) {
	assert.True(t, Snapshot{}.Consistent())
	assert.True(t, Snapshot{Style: true, Indicator: true, Table: true, Listeners: 2}.Consistent())
	assert.False(t, Snapshot{Style: true}.Consistent())
	assert.False(t, Snapshot{Style: true, Indicator: true, Table: true}.Consistent())
}
