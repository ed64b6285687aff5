package mcp

import (
	"context"
	"fmt"
	"time"

	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mangle"
)

// CommandTool runs one host command registered by the shim.
type CommandTool struct {
	cmd    host.Command
	server *Server
}

func (t *CommandTool) Name() string { return t.cmd.Key }
func (t *CommandTool) Description() string {
	desc := t.cmd.Label
	if desc == "" {
		desc = t.cmd.Key
	}
	if t.cmd.Keybinding != "" {
		desc += fmt.Sprintf(" (editor shortcut: %s)", t.cmd.Keybinding)
	}
	return desc + `

Returns: {command, active} with the resulting view-only state. A
notification with the same outcome is sent to the client.`
}
func (t *CommandTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *CommandTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.cmd.Run(ctx); err != nil {
		return nil, err
	}
	out := map[string]interface{}{"command": t.cmd.Key}
	if _, surface, ok := t.server.Panel(); ok {
		out["active"] = surface.IsActive()
	}
	return out, nil
}

// StatusTool reports the mode and the control panel state.
type StatusTool struct {
	server *Server
}

func (t *StatusTool) Name() string { return "view-only-status" }
func (t *StatusTool) Description() string {
	return `Report whether view-only mode is active on the attached editor.

Read-only; never changes the mode. Use toggle-view-only,
enable-view-only or disable-view-only to change it.

Returns: {active, panel, preferences, notices, last_change, audit_ready}.`
}
func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.server.status()
}

func (s *Server) status() (map[string]interface{}, error) {
	spec, surface, ok := s.Panel()
	if !ok {
		return nil, fmt.Errorf("view-only control surface not registered")
	}
	out := map[string]interface{}{
		"active":  surface.IsActive(),
		"panel":   spec,
		"notices": s.Notices(),
	}
	s.mu.RLock()
	prefs := s.prefs
	last := s.lastChange
	s.mu.RUnlock()
	if prefs != nil {
		out["preferences"] = prefs.PreferenceValues()
	}
	if last != nil {
		out["last_change"] = *last
	}
	if s.engine != nil {
		out["audit_ready"] = s.engine.Ready()
	}
	return out, nil
}

// AuditTool reads the audit facts recorded for view-only activity.
type AuditTool struct {
	engine *mangle.Engine
}

func (t *AuditTool) Name() string { return "view-only-audit" }
func (t *AuditTool) Description() string {
	return `Inspect what view-only mode did: transitions, blocked input and failed guard steps.

MODES (first match wins):
- query: a Mangle atom, e.g. input_blocked(Type, Key, "typing")
- predicate: evaluate one predicate, e.g. guard_degraded or typing_blocked
- predicate + since: recorded facts of a base predicate newer than a duration, e.g. "5m"
- neither: the most recent facts

PREDICATES:
- view_only_state(State, Source)
- input_blocked(EventType, Key, Reason)
- guard_step_failed(Phase, Step, Message)
- guard_degraded(Step), typing_blocked(Key), edit_shortcut_blocked(Key), pointer_blocked(EventType)`
}
func (t *AuditTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to evaluate",
			},
			"since": map[string]interface{}{
				"type":        "string",
				"description": "Only facts recorded within this duration (Go syntax, e.g. 90s or 5m); base predicates only",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum results (default 25, max 500)",
			},
		},
	}
}
func (t *AuditTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("audit engine unavailable")
	}
	limit := clampLimit(getIntArg(args, "limit", 25))

	if query := getStringArg(args, "query"); query != "" {
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(results) > limit {
			results = results[:limit]
		}
		return map[string]interface{}{"query": query, "count": len(results), "results": results}, nil
	}

	if predicate := getStringArg(args, "predicate"); predicate != "" {
		if raw := getStringArg(args, "since"); raw != "" {
			window, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid since %q: %w", raw, err)
			}
			facts := t.engine.QueryTemporal(predicate, time.Now().Add(-window), time.Time{})
			if len(facts) > limit {
				facts = facts[len(facts)-limit:]
			}
			return map[string]interface{}{"predicate": predicate, "since": raw, "count": len(facts), "facts": facts}, nil
		}
		facts, err := t.engine.Evaluate(ctx, predicate)
		if err != nil {
			return nil, err
		}
		if len(facts) > limit {
			facts = facts[:limit]
		}
		return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
	}

	facts := recentFacts(t.engine, "", limit)
	return map[string]interface{}{
		"count":         len(facts),
		"facts":         facts,
		"counts":        t.engine.Counts(),
		"sampling_rate": t.engine.SamplingRate(),
	}, nil
}
