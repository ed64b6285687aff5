package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"viewonly-guard/internal/browser"
	"viewonly-guard/internal/config"
	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/guard"
	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mangle"
	mcpserver "viewonly-guard/internal/mcp"
	"viewonly-guard/internal/mode"
	"viewonly-guard/internal/panel"
	"viewonly-guard/internal/prefs"
	"viewonly-guard/internal/recorder"
	"viewonly-guard/internal/store"

	"github.com/google/uuid"
)

// app is one running guard: the document it protects and everything wired
// around the mode controller.
type app struct {
	cfg config.Config

	sessions *browser.SessionManager
	doc      dom.Document
	closeDoc func() error
	engine   *mangle.Engine
	rec      *recorder.Recorder
	ctrl     *mode.Controller
	settings *prefs.File
	kv       *store.KV
	server   *mcpserver.Server
	shim     *host.Shim
	panel    *panel.Panel

	panelChanges <-chan mode.StateChange
	unsubscribe  []func()
	closeOnce    sync.Once
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	sessionID, err := a.openDocument(ctx)
	if err != nil {
		return nil, err
	}

	a.engine, err = mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}
	audit := mangle.NewAudit(a.engine)

	auditors := []guard.Auditor{audit}
	sinks := []mode.Sink{audit}
	if cfg.Recorder.Enable {
		a.rec, err = recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize recorder: %w", err)
		}
		if err := a.rec.Start(sessionID); err != nil {
			return nil, fmt.Errorf("start trace: %w", err)
		}
		auditors = append(auditors, a.rec)
		sinks = append(sinks, a.rec)
	}

	g := guard.New(a.doc, guardOptions(cfg.Guard), guard.Auditors(auditors...))
	a.ctrl = mode.New(g, sinks...)
	a.ctrl.Init(ctx, cfg.Guard.RefreshEvery())
	if a.sessions != nil {
		if err := a.sessions.OnNavigate(ctx, func(url string) {
			log.Printf("editor navigated to %s; reconciling", url)
			a.ctrl.Reconcile()
		}); err != nil {
			log.Printf("navigation watch unavailable: %v", err)
		}
	}

	a.settings, err = prefs.Open(cfg.Preferences.Path)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	log.Printf("preferences at %s", a.settings.Path())
	if cfg.Preferences.Watch {
		if err := a.settings.Watch(ctx); err != nil {
			log.Printf("preference watch disabled: %v", err)
		}
	}

	a.kv, err = store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	a.server, err = mcpserver.NewServer(cfg, a.engine)
	if err != nil {
		return nil, fmt.Errorf("initialize MCP server: %w", err)
	}
	a.shim = host.New(a.server, a.settings, a.kv, a.ctrl)
	if err := a.shim.Load(ctx); err != nil {
		log.Printf("view-only loaded with errors: %v", err)
	}
	a.server.UsePreferences(a.shim)
	a.server.WatchDegraded(ctx)
	stateChanges, cancelState := a.ctrl.Subscribe(8)
	a.unsubscribe = append(a.unsubscribe, cancelState)
	go a.server.FollowState(ctx, stateChanges)

	spec, surface, registered := a.server.Panel()
	if !registered {
		return nil, errors.New("control panel not registered")
	}
	a.panel = panel.New(spec, surface, a.shim, cfg.Panel.PollEvery())
	panelChanges, cancelPanel := a.ctrl.Subscribe(8)
	a.panelChanges = panelChanges
	a.unsubscribe = append(a.unsubscribe, cancelPanel)

	ok = true
	return a, nil
}

// openDocument attaches to the editor tab, or builds an in-process document
// in dry-run mode. It returns the id traces are filed under.
func (a *app) openDocument(ctx context.Context) (string, error) {
	if a.cfg.Browser.DryRun {
		mem := dom.NewMemory()
		block := mem.Append(nil, "div", map[string]string{"class": "ls-block"})
		mem.Append(block, "div", map[string]string{"class": "block-content", "contenteditable": "true"})
		a.doc = mem
		a.closeDoc = func() error {
			mem.Teardown()
			return nil
		}
		log.Printf("dry run: guarding an in-process document")
		return uuid.NewString(), nil
	}

	a.sessions = browser.NewSessionManager(a.cfg.Browser)
	if err := a.sessions.Start(ctx); err != nil {
		return "", fmt.Errorf("initialize Rod session manager: %w", err)
	}
	attachCtx, cancel := context.WithTimeout(ctx, a.cfg.Browser.AttachTimeout())
	defer cancel()
	session, err := a.sessions.AttachEditor(attachCtx)
	if err != nil {
		return "", fmt.Errorf("attach editor: %w", err)
	}
	log.Printf("attached editor session %s via %s", session.ID, a.sessions.ControlURL())
	page, _, _ := a.sessions.Editor()
	doc, err := browser.NewPageDocument(page, a.cfg.Browser.CallTimeout())
	if err != nil {
		return "", err
	}
	a.doc = doc
	a.closeDoc = doc.Close
	return session.ID, nil
}

func guardOptions(cfg config.GuardConfig) guard.Options {
	opts := guard.DefaultOptions()
	if cfg.MarkerClass != "" {
		opts.MarkerClass = cfg.MarkerClass
	}
	if cfg.IndicatorText != "" {
		opts.IndicatorText = cfg.IndicatorText
	}
	opts.Selectors = append(opts.Selectors, cfg.ExtraSelectors...)
	return opts
}

// serve runs the panel API and the MCP transport until ctx is done or the
// transport fails.
func (a *app) serve(ctx context.Context) error {
	go a.panel.Run(ctx, a.panelChanges)

	var panelSrv *http.Server
	if a.cfg.Panel.Addr != "" {
		panelSrv = &http.Server{
			Addr:              a.cfg.Panel.Addr,
			Handler:           a.panel.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("control panel API on %s", a.cfg.Panel.Addr)
			if err := panelSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("control panel API stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = panelSrv.Shutdown(shutdownCtx)
		}()
	}

	if a.cfg.MCP.SSEPort > 0 {
		log.Printf("starting view-only MCP SSE server on port %d", a.cfg.MCP.SSEPort)
		return a.server.StartSSE(ctx, a.cfg.MCP.SSEPort)
	}
	log.Printf("starting view-only MCP stdio server")
	return a.server.Start(ctx)
}

// close forces the mode off and releases everything newApp opened. It is
// safe to call more than once.
func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.shim != nil {
			a.shim.Unload()
		}
		if a.ctrl != nil {
			a.ctrl.Shutdown()
		}
		for _, cancel := range a.unsubscribe {
			cancel()
		}
		if a.kv != nil {
			if err := a.kv.Close(); err != nil {
				log.Printf("close state store: %v", err)
			}
		}
		if a.rec != nil {
			if err := a.rec.Close(); err != nil {
				log.Printf("close trace: %v", err)
			}
		}
		if a.closeDoc != nil {
			if err := a.closeDoc(); err != nil {
				log.Printf("close document: %v", err)
			}
		}
		if a.sessions != nil && a.sessions.IsConnected() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.sessions.Shutdown(shutdownCtx); err != nil {
				log.Printf("browser shutdown: %v", err)
			}
		}
	})
}
