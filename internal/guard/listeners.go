package guard

import (
	"errors"
	"log"

	"viewonly-guard/internal/dom"
)

func (g *Guard) keyboardListener() dom.Listener {
	return dom.Listener{
		Kind:    dom.KindKeyboard,
		Types:   KeyboardEvents,
		Options: dom.ListenerOptions{Capture: true, Passive: false},
		Rules:   g.opts.Policy,
		Handle:  g.onKey,
		Report:  g.blocked,
	}
}

func (g *Guard) pointerListener() dom.Listener {
	return dom.Listener{
		Kind:    dom.KindPointer,
		Types:   PointerEvents,
		Options: dom.ListenerOptions{Capture: true, Passive: false},
		Rules:   map[string]string{"selector": g.editableSel},
		Handle:  g.onPointer,
		Report:  g.blocked,
	}
}

func (g *Guard) onKey(ev *dom.Event) {
	d := g.opts.Policy.Decide(ev.Key)
	if d.Allow {
		return
	}
	suppress(ev)
	g.blocked(dom.Blocked{Kind: dom.KindKeyboard, EventType: ev.Type, Key: ev.Key.Key, Reason: d.Reason})
}

func (g *Guard) onPointer(ev *dom.Event) {
	if ev.Target == nil {
		return
	}
	hit, err := g.doc.Closest(ev.Target, g.editableSel)
	if err != nil {
		if !errors.Is(err, dom.ErrDetached) {
			log.Printf("view-only pointer check failed: %v", err)
		}
		return
	}
	if !hit {
		return
	}
	suppress(ev)
	g.blocked(dom.Blocked{Kind: dom.KindPointer, EventType: ev.Type, Reason: "editable-target"})
}

func suppress(ev *dom.Event) {
	ev.PreventDefault()
	ev.StopPropagation()
	ev.StopImmediatePropagation()
}
