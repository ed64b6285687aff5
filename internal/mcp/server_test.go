package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"viewonly-guard/internal/config"
	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/guard"
	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mangle"
	"viewonly-guard/internal/mode"
	"viewonly-guard/internal/prefs"

	"github.com/mark3labs/mcp-go/mcp"
)

func setupTestServerConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Name:    "test-server",
			Version: "1.0.0",
		},
		Mangle: config.MangleConfig{
			Enable:          true,
			FactBufferLimit: 1000,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *mangle.Engine) {
	t.Helper()
	cfg := setupTestServerConfig()
	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	server, err := NewServer(cfg, engine)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, engine
}

// loadedStack wires a shim over an in-memory editor into server.
func loadedStack(t *testing.T, server *Server, engine *mangle.Engine) (*mode.Controller, *host.Shim) {
	t.Helper()
	doc := dom.NewMemory()
	doc.Append(nil, "div", map[string]string{"contenteditable": "true", "class": "block-content"})

	audit := mangle.NewAudit(engine)
	ctrl := mode.New(guard.New(doc, guard.DefaultOptions(), audit), audit)

	settings, err := prefs.Open(filepath.Join(t.TempDir(), "preferences.yaml"))
	if err != nil {
		t.Fatalf("open preferences: %v", err)
	}
	shim := host.New(server, settings, nil, ctrl)
	if err := shim.Load(context.Background()); err != nil {
		t.Fatalf("shim load: %v", err)
	}
	server.UsePreferences(shim)
	t.Cleanup(ctrl.Shutdown)
	return ctrl, shim
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t)

	for _, name := range []string{"view-only-status", "view-only-audit"} {
		if _, ok := server.tools[name]; !ok {
			t.Errorf("expected tool %q to be registered", name)
		}
	}
	if _, _, ok := server.Panel(); ok {
		t.Error("expected no panel before the shim loads")
	}
}

func TestToolInterface(t *testing.T) {
	server, engine := newTestServer(t)
	loadedStack(t, server, engine)

	t.Run("all tools have valid names", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Name() != name {
				t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
			}
		}
	})

	t.Run("all tools have descriptions", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Description() == "" {
				t.Errorf("tool %q has empty description", name)
			}
		}
	})

	t.Run("all tools have valid schemas", func(t *testing.T) {
		for name, tool := range server.tools {
			schema := tool.InputSchema()
			if schema["type"] != "object" {
				t.Errorf("tool %q schema type is not 'object': %v", name, schema["type"])
			}
		}
	})
}

func TestShimCommandsBecomeTools(t *testing.T) {
	server, engine := newTestServer(t)
	ctrl, _ := loadedStack(t, server, engine)

	for _, name := range []string{host.CommandToggle, host.CommandEnable, host.CommandDisable} {
		if _, ok := server.tools[name]; !ok {
			t.Fatalf("expected command tool %q", name)
		}
	}
	if !strings.Contains(server.tools[host.CommandToggle].Description(), "mod+alt+r") {
		t.Error("toggle description should mention its keybinding")
	}

	result, err := server.ExecuteTool(host.CommandToggle, nil)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	out := result.(map[string]interface{})
	if out["active"] != true || !ctrl.IsActive() {
		t.Errorf("expected active after toggle, got %v", out)
	}

	notices := server.Notices()
	if len(notices) == 0 || notices[len(notices)-1].Message != "View-only mode enabled" {
		t.Errorf("expected enabled notice, got %+v", notices)
	}

	if _, err := server.ExecuteTool(host.CommandDisable, nil); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if ctrl.IsActive() {
		t.Error("expected inactive after disable")
	}

	states := engine.FactsByPredicate(mangle.PredViewOnlyState)
	if len(states) != 2 || states[0].Args[0] != "enabled" || states[1].Args[0] != "disabled" {
		t.Errorf("expected enabled then disabled transitions, got %+v", states)
	}
}

func TestRegisterCommandValidation(t *testing.T) {
	server, _ := newTestServer(t)

	if err := server.RegisterCommand(host.Command{Key: "", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("expected error for empty key")
	}
	if err := server.RegisterCommand(host.Command{Key: "no-run"}); err == nil {
		t.Error("expected error without run func")
	}

	cmd := host.Command{Key: "fails", Label: "Fails", Run: func(context.Context) error { return errors.New("boom") }}
	if err := server.RegisterCommand(cmd); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := server.RegisterCommand(cmd); err == nil {
		t.Error("expected duplicate registration error")
	}
	if _, err := server.ExecuteTool("fails", nil); err == nil || err.Error() != "boom" {
		t.Errorf("expected command error, got %v", err)
	}
	if _, err := server.ExecuteTool("missing", nil); err == nil {
		t.Error("expected error for non-existent tool")
	}
}

func TestRegisterPanel(t *testing.T) {
	server, engine := newTestServer(t)

	if _, err := server.ExecuteTool("view-only-status", nil); err == nil {
		t.Error("expected status error without a control surface")
	}
	if err := server.RegisterPanel(host.PanelSpec{}, nil); err == nil {
		t.Error("expected error for empty panel")
	}

	loadedStack(t, server, engine)
	spec, surface, ok := server.Panel()
	if !ok || surface == nil {
		t.Fatal("expected registered panel")
	}
	if spec != host.Panel {
		t.Errorf("expected %+v, got %+v", host.Panel, spec)
	}
	if err := server.RegisterPanel(host.Panel, surface); err == nil {
		t.Error("expected error registering a second panel")
	}
}

func TestStatusTool(t *testing.T) {
	server, engine := newTestServer(t)
	_, shim := loadedStack(t, server, engine)

	shim.Surface().Toggle()

	result, err := server.ExecuteTool("view-only-status", nil)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	out := result.(map[string]interface{})
	if out["active"] != true {
		t.Errorf("expected active status, got %v", out["active"])
	}
	values, ok := out["preferences"].(map[string]bool)
	if !ok {
		t.Fatalf("expected preference values, got %T", out["preferences"])
	}
	if values[host.PrefRememberState] || !values[host.PrefShowShortcuts] {
		t.Errorf("expected default preferences, got %v", values)
	}
	if out["audit_ready"] != true {
		t.Errorf("expected audit_ready, got %v", out["audit_ready"])
	}
}

func TestFollowStateRecordsLastChange(t *testing.T) {
	server, engine := newTestServer(t)
	ctrl, shim := loadedStack(t, server, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, unsubscribe := ctrl.Subscribe(4)
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		server.FollowState(ctx, changes)
		close(done)
	}()

	shim.Surface().Toggle()

	deadline := time.Now().Add(time.Second)
	for {
		out, err := server.status()
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if last, ok := out["last_change"].(mode.StateChange); ok {
			if !last.Active || last.Source != mode.SourceUser {
				t.Errorf("unexpected last change %+v", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected last_change in status, got %v", out)
		}
		time.Sleep(5 * time.Millisecond)
	}

	unsubscribe()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FollowState should return once its channel is closed")
	}
}

func TestAuditTool(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()
	facts := []mangle.Fact{
		{Predicate: mangle.PredInputBlocked, Args: []interface{}{"keydown", "q", "typing"}},
		{Predicate: mangle.PredInputBlocked, Args: []interface{}{"keydown", "v", "deny-combo"}},
		{Predicate: mangle.PredGuardStepFailed, Args: []interface{}{"apply", "style", "boom"}},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	t.Run("query", func(t *testing.T) {
		result, err := server.ExecuteTool("view-only-audit", map[string]interface{}{"query": `input_blocked(T, K, "typing")`})
		if err != nil {
			t.Fatalf("audit query failed: %v", err)
		}
		if result.(map[string]interface{})["count"] != 1 {
			t.Errorf("expected one typing fact, got %v", result)
		}
	})

	t.Run("predicate", func(t *testing.T) {
		result, err := server.ExecuteTool("view-only-audit", map[string]interface{}{"predicate": mangle.PredGuardDegraded})
		if err != nil {
			t.Fatalf("audit evaluate failed: %v", err)
		}
		if result.(map[string]interface{})["count"] != 1 {
			t.Errorf("expected one degraded step, got %v", result)
		}
	})

	t.Run("recent with limit", func(t *testing.T) {
		result, err := server.ExecuteTool("view-only-audit", map[string]interface{}{"limit": float64(2)})
		if err != nil {
			t.Fatalf("audit recent failed: %v", err)
		}
		out := result.(map[string]interface{})
		got := out["facts"].([]mangle.Fact)
		if len(got) != 2 || got[1].Predicate != mangle.PredGuardStepFailed {
			t.Errorf("expected the two newest facts, got %+v", got)
		}
	})

	t.Run("predicate since", func(t *testing.T) {
		result, err := server.ExecuteTool("view-only-audit", map[string]interface{}{
			"predicate": mangle.PredInputBlocked,
			"since":     "1m",
		})
		if err != nil {
			t.Fatalf("audit since failed: %v", err)
		}
		if result.(map[string]interface{})["count"] != 2 {
			t.Errorf("expected both recent input facts, got %v", result)
		}
		if _, err := server.ExecuteTool("view-only-audit", map[string]interface{}{
			"predicate": mangle.PredInputBlocked,
			"since":     "yesterday",
		}); err == nil {
			t.Error("expected error for an unparseable since")
		}
	})

	t.Run("bad query", func(t *testing.T) {
		if _, err := server.ExecuteTool("view-only-audit", map[string]interface{}{"query": "input_blocked(("}); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestNoticesAreBounded(t *testing.T) {
	server, _ := newTestServer(t)
	for i := 0; i < maxNotices+5; i++ {
		server.Notify(host.Notice{Message: "n", Level: host.LevelInfo})
	}
	if got := len(server.Notices()); got != maxNotices {
		t.Errorf("expected %d notices, got %d", maxNotices, got)
	}
}

func TestWatchDegradedNotifies(t *testing.T) {
	server, engine := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.WatchDegraded(ctx)

	audit := mangle.NewAudit(engine)
	audit.StepFailed(guard.PhaseApply, guard.StepIndicator, errors.New("mount indicator: boom"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, n := range server.Notices() {
			if n.Level == host.LevelWarning && strings.Contains(n.Message, "indicator") {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected a degraded warning, got %+v", server.Notices())
}

func countWarnings(server *Server) int {
	n := 0
	for _, notice := range server.Notices() {
		if notice.Level == host.LevelWarning {
			n++
		}
	}
	return n
}

func waitForWarnings(t *testing.T, server *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for countWarnings(server) < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d warnings, got %+v", want, server.Notices())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchDegradedWarnsOncePerEpisode(t *testing.T) {
	server, engine := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.WatchDegraded(ctx)

	audit := mangle.NewAudit(engine)
	audit.StepFailed(guard.PhaseApply, guard.StepIndicator, errors.New("boom"))
	waitForWarnings(t, server, 1)

	audit.StepFailed(guard.PhaseRefresh, guard.StepIndicator, errors.New("boom"))
	audit.StateChanged(mode.StateChange{Active: false, Source: mode.SourceUser, At: time.Now()})
	audit.StepFailed(guard.PhaseApply, guard.StepIndicator, errors.New("boom"))
	waitForWarnings(t, server, 2)

	time.Sleep(20 * time.Millisecond)
	if got := countWarnings(server); got != 2 {
		t.Errorf("expected one warning per episode, got %d: %+v", got, server.Notices())
	}
}

func TestStateResource(t *testing.T) {
	server, engine := newTestServer(t)
	loadedStack(t, server, engine)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = resourceState
	contents, err := server.handleStateResource(context.Background(), req)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("state is not JSON: %v", err)
	}
	if payload["active"] != false {
		t.Errorf("expected inactive state, got %v", payload["active"])
	}
	panel := payload["panel"].(map[string]interface{})
	if panel["location"] != "left-sidebar" {
		t.Errorf("unexpected panel %v", panel)
	}
}

func TestAuditResource(t *testing.T) {
	server, engine := newTestServer(t)
	engine.AddFacts(context.Background(), []mangle.Fact{
		{Predicate: mangle.PredViewOnlyState, Args: []interface{}{"enabled", "user"}},
	})

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "viewonly://audit/view_only_state"
	req.Params.Arguments = map[string]any{"predicate": "view_only_state", "limit": []string{"5"}}
	contents, err := server.handleAuditResource(context.Background(), req)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"count":1`) || !strings.Contains(text, `"limit":5`) {
		t.Errorf("unexpected audit payload %s", text)
	}

	req.Params.Arguments = map[string]any{}
	if _, err := server.handleAuditResource(context.Background(), req); err == nil {
		t.Error("expected error without predicate")
	}
}

func TestAuditResourceDerivedPredicate(t *testing.T) {
	server, engine := newTestServer(t)
	mangle.NewAudit(engine).StepFailed(guard.PhaseApply, guard.StepStyle, errors.New("boom"))

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "viewonly://audit/guard_degraded"
	req.Params.Arguments = map[string]any{"predicate": mangle.PredGuardDegraded}
	contents, err := server.handleAuditResource(context.Background(), req)
	if err != nil {
		t.Fatalf("read derived audit: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"count":1`) || !strings.Contains(text, `"style"`) {
		t.Errorf("expected the degraded style step, got %s", text)
	}

	req.Params.Arguments = map[string]any{"predicate": "no_such_predicate"}
	if _, err := server.handleAuditResource(context.Background(), req); err == nil {
		t.Error("expected error for an unknown predicate")
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}
