package browser

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"viewonly-guard/internal/config"
)

func TestNewSessionManager(t *testing.T) {
	manager := NewSessionManager(config.BrowserConfig{EditorURLMatch: "notes"})
	if manager == nil {
		t.Fatal("expected non-nil manager")
	}
	if manager.IsConnected() {
		t.Error("expected not connected")
	}
	if url := manager.ControlURL(); url != "" {
		t.Errorf("expected empty control URL, got %q", url)
	}
	if _, _, ok := manager.Editor(); ok {
		t.Error("expected no editor before attach")
	}
}

func TestSessionManagerStartWithoutEndpoint(t *testing.T) {
	manager := NewSessionManager(config.BrowserConfig{})
	err := manager.Start(context.Background())
	if err == nil {
		t.Fatal("expected error without debugger_url or launch")
	}
	if err.Error() != "no debugger_url or launch command provided" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSessionManagerAttachNoBrowser(t *testing.T) {
	manager := NewSessionManager(config.BrowserConfig{TargetID: "target-123"})

	_, err := manager.AttachEditor(context.Background())
	if err == nil {
		t.Fatal("expected error when browser not connected")
	}
	if err.Error() != "browser not connected" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSessionManagerOnNavigateWithoutEditor(t *testing.T) {
	manager := NewSessionManager(config.BrowserConfig{})
	if err := manager.OnNavigate(context.Background(), func(string) {}); err == nil {
		t.Error("expected error when no editor is attached")
	}
}

func TestSessionManagerShutdownIdle(t *testing.T) {
	manager := NewSessionManager(config.BrowserConfig{})

	for i := 0; i < 2; i++ {
		if err := manager.Shutdown(context.Background()); err != nil {
			t.Errorf("unexpected error on shutdown %d: %v", i, err)
		}
	}
	if manager.IsConnected() {
		t.Error("expected not connected after shutdown")
	}
}

func TestSessionJSONFields(t *testing.T) {
	s := Session{
		ID:        "s-1",
		TargetID:  "T1",
		URL:       "http://localhost:3001/#/page/inbox",
		Status:    "attached",
		CreatedAt: time.Unix(0, 0).UTC(),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	str := string(raw)
	for _, field := range []string{`"id":"s-1"`, `"target_id":"T1"`, `"status":"attached"`, `"created_at":`} {
		if !strings.Contains(str, field) {
			t.Errorf("expected %s in %s", field, str)
		}
	}
	if strings.Contains(str, `"title"`) {
		t.Errorf("empty title should be omitted: %s", str)
	}
}
