// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sevir/jstd-supervisor/internal/cmdline"
	"github.com/sevir/jstd-supervisor/internal/supervisor"
	"github.com/sevir/jstd-supervisor/pkg/models"
	"gopkg.in/yaml.v2"
)

const dirName = ".jstd-supervisor"

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Defaults   models.Settings  `json:"defaults" yaml:"defaults"`
}

// ServerConfig holds HTTP control server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// SupervisorConfig describes how test runner servers are launched and where
// their state lives.
type SupervisorConfig struct {
	JavaHome      string          `json:"java_home,omitempty" yaml:"java_home,omitempty"`
	Classpath     []string        `json:"classpath" yaml:"classpath"`
	MainClass     string          `json:"main_class,omitempty" yaml:"main_class,omitempty"`
	WorkDir       string          `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	JVMArgs       string          `json:"jvm_args,omitempty" yaml:"jvm_args,omitempty"`
	Charset       string          `json:"charset,omitempty" yaml:"charset,omitempty"`
	StorePath     string          `json:"store_path" yaml:"store_path"`
	LogDir        string          `json:"log_dir" yaml:"log_dir"`
	ShutdownGrace models.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, dirName)

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9877,
		},
		Supervisor: SupervisorConfig{
			MainClass:     cmdline.DefaultMainClass,
			Charset:       cmdline.DefaultCharset,
			StorePath:     filepath.Join(baseDir, "servers.json"),
			LogDir:        filepath.Join(baseDir, "logs"),
			ShutdownGrace: models.Duration(supervisor.DefaultShutdownGrace),
		},
		Defaults: models.Settings{
			Port:           9876,
			RunnerMode:     models.DefaultRunnerMode(),
			BrowserTimeout: models.Duration(30 * time.Second),
		},
	}
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, dirName, "config.yaml")
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		yamlPath := filepath.Join(home, dirName, "config.yaml")
		jsonPath := filepath.Join(home, dirName, "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Paths in the file are relative to the file itself.
	s := &cfg.Supervisor
	s.StorePath = resolvePath(s.StorePath, baseDir)
	s.LogDir = resolvePath(s.LogDir, baseDir)
	s.WorkDir = resolvePath(s.WorkDir, baseDir)
	s.JavaHome = resolvePath(s.JavaHome, baseDir)
	for i, entry := range s.Classpath {
		s.Classpath[i] = resolvePath(entry, baseDir)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the control server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the parts of the configuration needed to start servers.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}
	if c.Supervisor.ShutdownGrace < 0 {
		return fmt.Errorf("invalid shutdown grace: %s", c.Supervisor.ShutdownGrace)
	}
	if _, err := cmdline.ParseJVMArgs(c.Supervisor.JVMArgs); err != nil {
		return err
	}
	return nil
}

// CommandFactory returns the java command line builder described by the
// supervisor section.
func (c *Config) CommandFactory() (*cmdline.Builder, error) {
	jvmArgs, err := cmdline.ParseJVMArgs(c.Supervisor.JVMArgs)
	if err != nil {
		return nil, err
	}
	return &cmdline.Builder{
		JavaHome:  c.Supervisor.JavaHome,
		Charset:   c.Supervisor.Charset,
		JVMArgs:   jvmArgs,
		Classpath: c.Supervisor.Classpath,
		MainClass: c.Supervisor.MainClass,
		WorkDir:   c.Supervisor.WorkDir,
	}, nil
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	// "~user/..." is left alone.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

// ExpandHome is expandHome for paths given on the command line.
func ExpandHome(path string) string {
	return expandHome(path)
}
