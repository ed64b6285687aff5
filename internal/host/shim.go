// Package host bridges the view-only controller to the platform that hosts
// the editor: commands, preferences, the persisted mode value and the
// sidebar control panel.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Command keys registered with the platform.
const (
	CommandToggle  = "toggle-view-only"
	CommandEnable  = "enable-view-only"
	CommandDisable = "disable-view-only"
)

// Preference keys.
const (
	PrefRememberState = "remember-state"
	PrefShowShortcuts = "show-shortcuts"
)

// Persisted mode value.
const (
	StateKey      = "view-only-state"
	StateEnabled  = "enabled"
	StateDisabled = "disabled"
)

// PanelKey identifies the sidebar panel.
const PanelKey = "view-only-panel"

// noticeTimeout keeps command notifications short-lived.
const noticeTimeout = 2 * time.Second

// Level is a notification severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a short user-visible message posted through the platform.
type Notice struct {
	Message string        `json:"message"`
	Level   Level         `json:"level"`
	Timeout time.Duration `json:"timeout"`
}

// Command is a zero-argument user action.
type Command struct {
	Key        string
	Label      string
	Keybinding string
	Run        func(ctx context.Context) error
}

// Preference declares a boolean setting and its default.
type Preference struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// PanelSpec places the control panel in the host UI.
type PanelSpec struct {
	Key      string `json:"key"`
	Location string `json:"location"`
	Height   string `json:"height"`
	Width    string `json:"width"`
}

// Shortcut is a keybinding shown in the control panel.
type Shortcut struct {
	Command    string `json:"command"`
	Label      string `json:"label"`
	Keybinding string `json:"keybinding"`
}

// ControlSurface is what the external control UI may call.
type ControlSurface interface {
	Toggle() bool
	IsActive() bool
}

// Controller is the mode controller as seen by the shim.
type Controller interface {
	Enable()
	Disable()
	// ForceDisable turns the mode off on unload and records it as forced.
	ForceDisable()
	Toggle() bool
	IsActive() bool
}

// Platform is the host application API.
type Platform interface {
	RegisterCommand(cmd Command) error
	RegisterPanel(spec PanelSpec, surface ControlSurface) error
	Notify(n Notice)
}

// Settings is the host preference store.
type Settings interface {
	Register(p Preference) error
	Bool(key string, def bool) (bool, error)
	SetBool(key string, v bool) error
	OnChange(fn func(key string, v bool))
}

// StateStore is the key-value storage of the persisted mode value.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Preferences declared by the shim.
var Preferences = []Preference{
	{
		Key:         PrefRememberState,
		Title:       "Remember state",
		Description: "Restore view-only mode on the next load.",
		Default:     false,
	},
	{
		Key:         PrefShowShortcuts,
		Title:       "Show shortcuts",
		Description: "List the view-only keybindings in the panel.",
		Default:     true,
	},
}

// Panel is the sidebar placement of the control UI.
var Panel = PanelSpec{Key: PanelKey, Location: "left-sidebar", Height: "auto", Width: "100%"}

// Shim wires a Controller into a Platform.
type Shim struct {
	platform Platform
	settings Settings
	store    StateStore
	ctrl     Controller
	timeout  time.Duration

	mu     sync.Mutex
	loaded bool
}

// New builds a shim. store may be nil, in which case nothing is persisted.
func New(platform Platform, settings Settings, store StateStore, ctrl Controller) *Shim {
	return &Shim{
		platform: platform,
		settings: settings,
		store:    store,
		ctrl:     ctrl,
		timeout:  5 * time.Second,
	}
}

// Load registers commands, preferences and the panel, then restores the
// persisted mode when remember-state is on. Registration failures are logged
// and returned joined; the shim stays usable for whatever did register.
func (s *Shim) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.loaded = true
	s.mu.Unlock()

	var errs []error
	for _, cmd := range s.Commands() {
		if err := s.platform.RegisterCommand(cmd); err != nil {
			errs = append(errs, fmt.Errorf("register command %s: %w", cmd.Key, err))
		}
	}
	for _, p := range Preferences {
		if err := s.settings.Register(p); err != nil {
			errs = append(errs, fmt.Errorf("register preference %s: %w", p.Key, err))
		}
	}
	s.settings.OnChange(s.preferenceChanged)
	if err := s.platform.RegisterPanel(Panel, s.Surface()); err != nil {
		errs = append(errs, fmt.Errorf("register panel: %w", err))
	}
	for _, err := range errs {
		log.Printf("view-only load: %v", err)
	}

	s.restore(ctx)
	return errors.Join(errs...)
}

// Unload forces the mode off regardless of remember-state.
func (s *Shim) Unload() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	s.ctrl.ForceDisable()
}

func (s *Shim) restore(ctx context.Context) {
	if !s.remember() || s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, ok, err := s.store.Get(ctx, StateKey)
	if err != nil {
		log.Printf("view-only restore: read %s: %v", StateKey, err)
		return
	}
	if ok && v == StateEnabled {
		s.ctrl.Enable()
	}
}

// Commands returns the three mode commands.
func (s *Shim) Commands() []Command {
	return []Command{
		{
			Key:        CommandToggle,
			Label:      "Toggle view-only mode",
			Keybinding: "mod+alt+r",
			Run: s.command(func() bool {
				return s.ctrl.Toggle()
			}),
		},
		{
			Key:   CommandEnable,
			Label: "Enable view-only mode",
			Run: s.command(func() bool {
				s.ctrl.Enable()
				return s.ctrl.IsActive()
			}),
		},
		{
			Key:   CommandDisable,
			Label: "Disable view-only mode",
			Run: s.command(func() bool {
				s.ctrl.Disable()
				return s.ctrl.IsActive()
			}),
		},
	}
}

func (s *Shim) command(transition func() bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			s.platform.Notify(Notice{Message: "View-only command cancelled", Level: LevelError, Timeout: noticeTimeout})
			return err
		}
		s.platform.Notify(stateNotice(transition()))
		return nil
	}
}

func stateNotice(active bool) Notice {
	if active {
		return Notice{Message: "View-only mode enabled", Level: LevelInfo, Timeout: noticeTimeout}
	}
	return Notice{Message: "View-only mode disabled", Level: LevelInfo, Timeout: noticeTimeout}
}

// Surface returns the control UI entry points. A toggle through the surface
// persists the resulting state when remember-state is on.
func (s *Shim) Surface() ControlSurface { return surface{s} }

type surface struct{ s *Shim }

func (c surface) Toggle() bool {
	active := c.s.ctrl.Toggle()
	if c.s.remember() {
		c.s.persist(active)
	}
	return active
}

func (c surface) IsActive() bool { return c.s.ctrl.IsActive() }

// PreferenceValues returns the current value of every declared preference.
func (s *Shim) PreferenceValues() map[string]bool {
	out := make(map[string]bool, len(Preferences))
	for _, p := range Preferences {
		v, err := s.settings.Bool(p.Key, p.Default)
		if err != nil {
			log.Printf("view-only preferences: read %s: %v", p.Key, err)
			v = p.Default
		}
		out[p.Key] = v
	}
	return out
}

// ErrUnknownPreference is returned for keys the shim never declared.
var ErrUnknownPreference = errors.New("unknown preference")

// SetPreference writes a preference on behalf of the control UI. Turning
// remember-state on persists the current mode right away through the
// settings change callback registered by Load.
func (s *Shim) SetPreference(key string, v bool) error {
	if !declared(key) {
		return fmt.Errorf("%w: %s", ErrUnknownPreference, key)
	}
	if err := s.settings.SetBool(key, v); err != nil {
		s.platform.Notify(Notice{Message: "Could not save preference " + key, Level: LevelError, Timeout: noticeTimeout})
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// Shortcuts lists the command keybindings, or nothing when show-shortcuts
// is off.
func (s *Shim) Shortcuts() []Shortcut {
	if !s.PreferenceValues()[PrefShowShortcuts] {
		return nil
	}
	var out []Shortcut
	for _, cmd := range s.Commands() {
		if cmd.Keybinding == "" {
			continue
		}
		out = append(out, Shortcut{Command: cmd.Key, Label: cmd.Label, Keybinding: cmd.Keybinding})
	}
	return out
}

func (s *Shim) preferenceChanged(key string, v bool) {
	if key == PrefRememberState && v {
		s.persist(s.ctrl.IsActive())
	}
}

func (s *Shim) remember() bool {
	v, err := s.settings.Bool(PrefRememberState, false)
	if err != nil {
		log.Printf("view-only preferences: read %s: %v", PrefRememberState, err)
		return false
	}
	return v
}

func (s *Shim) persist(active bool) {
	if s.store == nil {
		return
	}
	value := StateDisabled
	if active {
		value = StateEnabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Put(ctx, StateKey, value); err != nil {
		log.Printf("view-only persist %s=%s: %v", StateKey, value, err)
		s.platform.Notify(Notice{Message: "Could not save view-only state", Level: LevelWarning, Timeout: noticeTimeout})
	}
}

func declared(key string) bool {
	for _, p := range Preferences {
		if p.Key == key {
			return true
		}
	}
	return false
}
