package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSurface struct {
	active  atomic.Bool
	toggles atomic.Int32
}

func (s *fakeSurface) Toggle() bool {
	s.toggles.Add(1)
	v := !s.active.Load()
	s.active.Store(v)
	return v
}

func (s *fakeSurface) IsActive() bool { return s.active.Load() }

type fakeBackend struct {
	prefs map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{prefs: map[string]bool{host.PrefRememberState: false, host.PrefShowShortcuts: true}}
}

func (b *fakeBackend) PreferenceValues() map[string]bool {
	out := make(map[string]bool, len(b.prefs))
	for k, v := range b.prefs {
		out[k] = v
	}
	return out
}

func (b *fakeBackend) SetPreference(key string, v bool) error {
	if _, ok := b.prefs[key]; !ok {
		return host.ErrUnknownPreference
	}
	b.prefs[key] = v
	return nil
}

func (b *fakeBackend) Shortcuts() []host.Shortcut {
	if !b.prefs[host.PrefShowShortcuts] {
		return nil
	}
	return []host.Shortcut{{Command: host.CommandToggle, Keybinding: "mod+alt+r"}}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) State {
	t.Helper()
	var st State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	return st
}

func TestPollingPicksUpExternalChanges(t *testing.T) {
	s := &fakeSurface{}
	p := New(host.Panel, s, newFakeBackend(), 5*time.Millisecond)
	assert.False(t, p.Snapshot().Active)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, nil)

	s.active.Store(true)
	assert.Eventually(t, func() bool { return p.Snapshot().Active }, time.Second, 5*time.Millisecond)
}

func TestRunFollowsPushedChanges(t *testing.T) {
	s := &fakeSurface{}
	p := New(host.Panel, s, newFakeBackend(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan mode.StateChange, 1)
	done := make(chan struct{})
	go func() {
		p.Run(ctx, changes)
		close(done)
	}()

	changes <- mode.StateChange{Active: true, Source: mode.SourceUser, At: time.Now()}
	assert.Eventually(t, func() bool { return p.Snapshot().Active }, time.Second, 5*time.Millisecond)

	close(changes)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after the channel closed and ctx was cancelled")
	}
}

func TestSyncReportsChange(t *testing.T) {
	s := &fakeSurface{}
	p := New(host.Panel, s, newFakeBackend(), time.Hour)

	assert.False(t, p.Sync())
	s.active.Store(true)
	assert.True(t, p.Sync())
	assert.False(t, p.Sync())
}

func TestStateAndToggleEndpoints(t *testing.T) {
	s := &fakeSurface{}
	p := New(host.Panel, s, newFakeBackend(), time.Hour)
	h := p.Routes()

	rec := do(t, h, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	st := decodeState(t, rec)
	assert.False(t, st.Active)
	assert.True(t, st.Preferences[host.PrefShowShortcuts])

	rec = do(t, h, http.MethodPost, "/api/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeState(t, rec).Active)
	assert.Equal(t, int32(1), s.toggles.Load())

	rec = do(t, h, http.MethodGet, "/api/toggle", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPreferenceEndpoint(t *testing.T) {
	p := New(host.Panel, &fakeSurface{}, newFakeBackend(), time.Hour)
	h := p.Routes()

	rec := do(t, h, http.MethodPut, "/api/preferences/remember-state", `{"value": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeState(t, rec).Preferences[host.PrefRememberState])

	rec = do(t, h, http.MethodPut, "/api/preferences/remember-state", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/preferences/remember-state", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/preferences/dark-mode", `{"value": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShortcutsEndpoint(t *testing.T) {
	b := newFakeBackend()
	p := New(host.Panel, &fakeSurface{}, b, time.Hour)
	h := p.Routes()

	rec := do(t, h, http.MethodGet, "/api/shortcuts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shortcuts []host.Shortcut
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&shortcuts))
	assert.Len(t, shortcuts, 1)

	b.prefs[host.PrefShowShortcuts] = false
	rec = do(t, h, http.MethodGet, "/api/shortcuts", "")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestPanelEndpoint(t *testing.T) {
	p := New(host.Panel, &fakeSurface{}, newFakeBackend(), time.Hour)
	rec := do(t, p.Routes(), http.MethodGet, "/api/panel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var spec host.PanelSpec
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&spec))
	assert.Equal(t, host.Panel, spec)
}
