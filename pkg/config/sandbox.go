package config

import (
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/version"
)

const (
	// SandboxConfigPath is the default path to the sandbox config.
	SandboxConfigPath = "~/.claude-sandbox.yaml"

	// InitialSandboxConfigVersion is the version assumed for config files
	// that don't specify one.
	InitialSandboxConfigVersion = "v1alpha1"

	// SupportedSandboxConfigVersion is the config version understood by this
	// binary.
	SupportedSandboxConfigVersion = "v1alpha1"
)

// Sandbox configures how containers are created, and how their sessions are
// relayed and synced.
type Sandbox struct {
	Version string `json:"version,omitempty"`

	DockerImage      string            `json:"dockerImage,omitempty"`
	ContainerPrefix  string            `json:"containerPrefix,omitempty"`
	AutoPush         bool              `json:"autoPush"`
	AutoCreatePR     bool              `json:"autoCreatePR"`
	AutoStartClaude  bool              `json:"autoStartClaude"`
	DefaultShell     string            `json:"defaultShell,omitempty"`
	ClaudeConfigPath string            `json:"claudeConfigPath,omitempty"`
	SetupCommands    []string          `json:"setupCommands,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Volumes          []string          `json:"volumes,omitempty"`
	AllowedTools     []string          `json:"allowedTools,omitempty"`
	IncludeUntracked bool              `json:"includeUntracked"`
	TargetBranch     string            `json:"targetBranch,omitempty"`
	NoGit            bool              `json:"noGit"`

	WebPort            int      `json:"webPort,omitempty"`
	ShadowRoot         string   `json:"shadowRoot,omitempty"`
	WorkspacePath      string   `json:"workspacePath,omitempty"`
	SessionCommand     []string `json:"sessionCommand,omitempty"`
	SessionUser        string   `json:"sessionUser,omitempty"`
	SyncDebounceMillis int      `json:"syncDebounceMillis,omitempty"`
	SyncTimeoutSeconds int      `json:"syncTimeoutSeconds,omitempty"`
	HistoryBytes       int      `json:"historyBytes,omitempty"`
}

func (s Sandbox) getVersion() string {
	return s.Version
}

// DefaultSandbox returns the config used when no config file exists.
func DefaultSandbox() Sandbox {
	return Sandbox{
		Version:            SupportedSandboxConfigVersion,
		DockerImage:        version.SandboxImage,
		ContainerPrefix:    "claude-code-sandbox",
		AutoStartClaude:    true,
		DefaultShell:       "claude",
		ClaudeConfigPath:   "~/.claude.json",
		AllowedTools:       []string{"*"},
		WebPort:            3456,
		ShadowRoot:         "/tmp/claude-shadows",
		WorkspacePath:      "/workspace",
		SessionCommand:     []string{"/home/claude/start-session.sh"},
		SessionUser:        "claude",
		SyncDebounceMillis: 500,
		SyncTimeoutSeconds: 300,
		HistoryBytes:       100000,
	}
}

// SyncDebounce returns the debounce window as a duration.
func (s Sandbox) SyncDebounce() time.Duration {
	return time.Duration(s.SyncDebounceMillis) * time.Millisecond
}

// SyncTimeout returns the upper bound for a single sync.
func (s Sandbox) SyncTimeout() time.Duration {
	return time.Duration(s.SyncTimeoutSeconds) * time.Second
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseSandbox parses the sandbox config at the default path. Fields that are
// unset in the file keep their default values. If the file doesn't exist,
// the defaults are returned.
func ParseSandbox() (Sandbox, error) {
	path, err := GetSandboxConfigPath()
	if err != nil {
		return Sandbox{}, errors.WithContext(err, "expand config path")
	}
	return ParseSandboxAt(path)
}

// ParseSandboxAt parses the sandbox config at `path`.
func ParseSandboxAt(path string) (Sandbox, error) {
	config := DefaultSandbox()
	config.Version = InitialSandboxConfigVersion
	if err := decode(path, &config, SupportedSandboxConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return Sandbox{}, errors.WithContext(err, "parse")
		}
		config = DefaultSandbox()
	}

	var err error
	config.ClaudeConfigPath, err = homedir.Expand(config.ClaudeConfigPath)
	if err != nil {
		return Sandbox{}, errors.WithContext(err, "expand claude config path")
	}

	// Evaluate relative paths relative to the config path.
	if config.ShadowRoot != "" && !filepath.IsAbs(config.ShadowRoot) {
		config.ShadowRoot = filepath.Join(filepath.Dir(path), config.ShadowRoot)
	}
	return config, nil
}

// WriteSandbox writes the given config to the default path.
func WriteSandbox(cfg Sandbox) error {
	cfg.Version = SupportedSandboxConfigVersion
	path, err := GetSandboxConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// SandboxConfigExists returns whether a config file is present at the
// default path.
func SandboxConfigExists() (bool, error) {
	path, err := GetSandboxConfigPath()
	if err != nil {
		return false, errors.WithContext(err, "expand config path")
	}
	return afero.Exists(fs, path)
}

// GetSandboxConfigPath returns the expanded path to the sandbox config.
func GetSandboxConfigPath() (string, error) {
	return homedirExpand(SandboxConfigPath)
}
