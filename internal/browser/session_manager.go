package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"viewonly-guard/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrNoEditor is returned when no tab matches the configured editor.
var ErrNoEditor = errors.New("editor page not found")

// Session describes the editor tab the guard is attached to.
type Session struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionRecord struct {
	meta  Session
	page  *rod.Page
	owned bool // opened by us, closed on shutdown
}

// SessionManager owns the CDP connection and the attached editor tab.
type SessionManager struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	launched   bool
	controlURL string
	editor     *sessionRecord
}

func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		m.browser = nil
		m.controlURL = ""
		m.editor = nil
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
		launched = true
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	// Pages inherit the browser context. Detach it from ctx so the guard can
	// still revert the tab after the caller's context is cancelled; every
	// page call carries its own timeout.
	browser := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.launched = launched
	m.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// AttachEditor binds to the editor tab: by target id, else the first tab
// whose URL contains editor_url_match, else a new tab on editor_url.
func (m *SessionManager) AttachEditor(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}
	if m.editor != nil {
		meta := m.editor.meta
		return &meta, nil
	}

	var (
		page   *rod.Page
		status = "attached"
		owned  bool
		err    error
	)
	switch {
	case m.cfg.TargetID != "":
		page, err = m.browser.PageFromTarget(proto.TargetTargetID(m.cfg.TargetID))
		if err != nil {
			return nil, fmt.Errorf("attach to target %s: %w", m.cfg.TargetID, err)
		}
	case m.cfg.EditorURLMatch != "":
		page, err = m.findPage(m.cfg.EditorURLMatch)
		if err != nil && !errors.Is(err, ErrNoEditor) {
			return nil, err
		}
	}

	if page == nil {
		if m.cfg.EditorURL == "" {
			return nil, ErrNoEditor
		}
		page, err = m.openEditor(ctx, m.cfg.EditorURL)
		if err != nil {
			return nil, err
		}
		status = "opened"
		owned = true
	}

	meta := Session{
		ID:        uuid.NewString(),
		TargetID:  string(page.TargetID),
		Status:    status,
		CreatedAt: time.Now(),
	}
	if info, err := page.Info(); err == nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}

	m.editor = &sessionRecord{meta: meta, page: page, owned: owned}
	log.Printf("Editor %s: %s (%s)", status, meta.URL, meta.TargetID)
	return &meta, nil
}

func (m *SessionManager) findPage(match string) (*rod.Page, error) {
	pages, err := m.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.Contains(info.URL, match) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no tab matches %q", ErrNoEditor, match)
}

func (m *SessionManager) openEditor(ctx context.Context, url string) (*rod.Page, error) {
	page, err := m.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	if err := page.Context(ctx).Timeout(m.cfg.AttachTimeout()).WaitLoad(); err != nil {
		log.Printf("warning: editor page did not finish loading: %v", err)
	}
	return page, nil
}

// Editor returns the attached editor page.
func (m *SessionManager) Editor() (*rod.Page, Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.editor == nil {
		return nil, Session{}, false
	}
	return m.editor.page, m.editor.meta, true
}

// OnNavigate calls fn with the new URL each time the editor's main frame
// navigates, until ctx is done. A reload drops every injected protection, so
// callers use this to reconcile right away instead of on the next tick.
func (m *SessionManager) OnNavigate(ctx context.Context, fn func(url string)) error {
	page, _, ok := m.Editor()
	if !ok {
		return errors.New("editor not attached")
	}
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		fn(ev.Frame.URL)
	})
	go wait()
	return nil
}

// Shutdown closes the tab and the browser only when we created them. An
// attached user tab and an external Chrome are left running.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.editor != nil && m.editor.owned && !m.launched {
		if err := m.editor.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close editor page: %w", err))
		}
	}
	m.editor = nil

	if m.browser != nil && m.launched {
		if err := m.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	m.browser = nil
	m.launched = false
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return errors.Join(errs...)
}
