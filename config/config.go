package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/codexd/errors"
	"gopkg.in/yaml.v3"
)

// dirName is the per-user and per-project configuration directory.
const dirName = ".codexd"

type Agent struct {
	Executable string   `yaml:"executable"`
	BuildDir   string   `yaml:"build_dir"`
	Args       []string `yaml:"args"`
	// Search is tried after the build-output candidates and before PATH.
	Search []string `yaml:"search"`
}

// AuxServer describes the companion MCP server that the agent calls back into.
type AuxServer struct {
	Dir          string        `yaml:"dir"`
	Name         string        `yaml:"name"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	Python       string        `yaml:"python"`
	Venv         string        `yaml:"venv"`
	Entry        string        `yaml:"entry"`
	Requirements string        `yaml:"requirements"`
	Packages     []string      `yaml:"packages"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type MCPServer struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Transcript struct {
	DBPath string `yaml:"db_path"`
}

type Config struct {
	Agent              Agent       `yaml:"agent"`
	AuthMethod         string      `yaml:"auth_method"`
	PermissionMode     string      `yaml:"permission_mode"`
	AuxServer          AuxServer   `yaml:"aux_server"`
	ExternalMCPServers []MCPServer `yaml:"external_mcp_servers"`
	Transcript         Transcript  `yaml:"transcript"`
	HistoryLimit       int         `yaml:"history_limit"`
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	cfg := &Config{
		Agent: Agent{
			Executable: "codex-acp",
			BuildDir:   "target",
		},
		AuthMethod:     "openai-api-key",
		PermissionMode: "bypassPermissions",
		AuxServer: AuxServer{
			Dir:          filepath.Join("mcp-servers", "mcp_codex_psychology"),
			Name:         "codex-psychology",
			Host:         "127.0.0.1",
			Port:         52848,
			Path:         "/mcp",
			Python:       "python3",
			Venv:         ".venv",
			Entry:        "run_sse_server.py",
			Requirements: "requirements.txt",
			Packages:     []string{"fastmcp", "GitPython"},
			SettleDelay:  2 * time.Second,
			ReadyTimeout: 10 * time.Second,
		},
		HistoryLimit: 50,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.Transcript.DBPath = filepath.Join(home, dirName, "messages.db")
	} else {
		cfg.Transcript.DBPath = filepath.Join(dirName, "messages.db")
	}
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Fields absent from both
// keep their defaults.
func LoadConfig() (*Config, error) {
	cfg := Default()

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, dirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, dirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults overridden by a single explicit file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites fields present in the YAML, so defaults and
	// user-level values survive a partial project file.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Agent.Executable == "" {
		return errors.New("agent.executable must not be empty")
	}
	if c.AuxServer.Port <= 0 || c.AuxServer.Port > 65535 {
		return errors.New("aux_server.port %d out of range", c.AuxServer.Port)
	}
	if c.AuthMethod == "" {
		return errors.New("auth_method must not be empty")
	}
	return nil
}

// SearchChain returns the ordered executable candidates for the agent: the
// release build, the debug build, any configured extras, then the bare name
// for a PATH lookup.
func (c *Config) SearchChain() []string {
	chain := []string{
		"./" + filepath.ToSlash(filepath.Join(c.Agent.BuildDir, "release", c.Agent.Executable)),
		"./" + filepath.ToSlash(filepath.Join(c.Agent.BuildDir, "debug", c.Agent.Executable)),
	}
	chain = append(chain, c.Agent.Search...)
	return append(chain, c.Agent.Executable)
}
