package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level view-only config.
	WorkspaceDirName = ".viewonly"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings of the view-only guard daemon.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	MCP         MCPConfig         `yaml:"mcp"`
	Guard       GuardConfig       `yaml:"guard"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Store       StoreConfig       `yaml:"store"`
	Panel       PanelConfig       `yaml:"panel"`
	Mangle      MangleConfig      `yaml:"mangle"`
	Recorder    RecorderConfig    `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we reach the editor page over CDP.
type BrowserConfig struct {
	// DryRun guards an in-process document instead of a live page.
	DryRun bool `yaml:"dry_run"`
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode.
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs headless (default: true).
	Headless *bool `yaml:"headless"`
	// TargetID attaches to an existing tab by CDP target id.
	TargetID string `yaml:"target_id"`
	// EditorURLMatch attaches to the first tab whose URL contains this string.
	EditorURLMatch string `yaml:"editor_url_match"`
	// EditorURL is opened in a new tab when no existing tab matches.
	EditorURL string `yaml:"editor_url"`
	// Default timeout when attaching to the editor tab (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Timeout for each page call made by a guard step (e.g., "3s").
	DefaultCallTimeout string `yaml:"default_call_timeout"`
	// Viewport of a newly opened editor tab.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// GuardConfig tunes the protections applied to the page.
type GuardConfig struct {
	MarkerClass   string `yaml:"marker_class"`
	IndicatorText string `yaml:"indicator_text"`
	// ExtraSelectors are appended to the built-in editable-region selectors.
	ExtraSelectors []string `yaml:"extra_selectors"`
	// RefreshInterval re-asserts protections while active; "0" disables it.
	RefreshInterval string `yaml:"refresh_interval"`
}

// PreferencesConfig locates the user preference file.
type PreferencesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// StoreConfig locates the persisted mode database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PanelConfig configures the control panel backend.
type PanelConfig struct {
	// Addr of the panel HTTP API; empty disables it.
	Addr         string `yaml:"addr"`
	PollInterval string `yaml:"poll_interval"`
}

// MangleConfig controls the embedded audit engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the rotating JSONL trace of guard activity.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "viewonly-guard",
			Version: "0.1.0",
			LogFile: "viewonly-guard.log",
		},
		Browser: BrowserConfig{
			DefaultAttachTimeout: "10s",
			DefaultCallTimeout:   "3s",
			ViewportWidth:        1440,
			ViewportHeight:       900,
		},
		Guard: GuardConfig{
			MarkerClass:     "viewonly-guard-active",
			IndicatorText:   "View only",
			RefreshInterval: "1s",
		},
		Preferences: PreferencesConfig{
			Path:  "preferences.yaml",
			Watch: true,
		},
		Store: StoreConfig{
			Path: "data/state.db",
		},
		Panel: PanelConfig{
			Addr:         "127.0.0.1:7412",
			PollInterval: "1s",
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/viewonly.mg",
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: false,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .viewonly/config.yaml file.
// Returns the workspace root directory (parent of .viewonly/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .viewonly/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, filepath.Join(wsDir, WorkspaceDirName))
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .viewonly/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# view-only guard project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   debugger_url: "ws://localhost:9222"
#   editor_url_match: "localhost:3001"

# guard:
#   indicator_text: "Read only"
#   extra_selectors:
#     - ".cm-content"

# panel:
#   addr: "127.0.0.1:7412"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (state, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against base.
func resolveWorkspacePaths(cfg Config, base string) Config {
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Preferences.Path = resolve(cfg.Preferences.Path)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.DryRun {
		return nil
	}
	if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	if c.Browser.TargetID == "" && c.Browser.EditorURLMatch == "" && c.Browser.EditorURL == "" {
		return errors.New("browser.target_id, browser.editor_url_match or browser.editor_url must be provided")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// CallTimeout returns the parsed per-call page timeout with a sane default.
func (b BrowserConfig) CallTimeout() time.Duration {
	return parseDuration(b.DefaultCallTimeout, 3*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1440
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// RefreshEvery returns the reconcile interval. Zero disables reconciling.
func (g GuardConfig) RefreshEvery() time.Duration {
	if g.RefreshInterval == "0" {
		return 0
	}
	return parseDuration(g.RefreshInterval, time.Second)
}

// PollEvery returns the panel poll interval with a sane default.
func (p PanelConfig) PollEvery() time.Duration {
	return parseDuration(p.PollInterval, time.Second)
}
