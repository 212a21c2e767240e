package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devloop/internal/env"
)

// Config is the full devloop configuration.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Project ProjectConfig `toml:"project" mapstructure:"project"`
	Install CommandConfig `toml:"install" mapstructure:"install"`
	Build   CommandConfig `toml:"build" mapstructure:"build"`
	Tasks   TasksConfig   `toml:"tasks" mapstructure:"tasks"`
	Dist    DistConfig    `toml:"dist" mapstructure:"dist"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

// ProjectConfig locates the project being developed.
type ProjectConfig struct {
	Dir       string   `toml:"dir" mapstructure:"dir"`
	Manifest  string   `toml:"manifest" mapstructure:"manifest"`
	Section   string   `toml:"section" mapstructure:"section"` // manifest key holding overrides
	Installed []string `toml:"installed" mapstructure:"installed"`
	Ignore    []string `toml:"ignore" mapstructure:"ignore"`
	Domain    string   `toml:"domain" mapstructure:"domain"`
}

// CommandConfig is the install or build action.
type CommandConfig struct {
	Command  string        `toml:"command" mapstructure:"command"`
	Args     []string      `toml:"args" mapstructure:"args"`
	Window   time.Duration `toml:"window" mapstructure:"window"`
	Patterns []string      `toml:"patterns" mapstructure:"patterns"`
}

// CommandLine renders the command as shown to clients.
func (c CommandConfig) CommandLine() string {
	if len(c.Args) == 0 {
		return c.Command
	}
	return c.Command + " " + strings.Join(c.Args, " ")
}

// TasksConfig controls client-requested script runs.
type TasksConfig struct {
	Command       string   `toml:"command" mapstructure:"command"`
	Args          []string `toml:"args" mapstructure:"args"`
	AllowUnlisted bool     `toml:"allow_unlisted" mapstructure:"allow_unlisted"`
}

// DistConfig is the build output served over HTTP.
type DistConfig struct {
	Directory string `toml:"directory" mapstructure:"directory"`
	Route     string `toml:"route" mapstructure:"route"`
	Index     string `toml:"index" mapstructure:"index"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `toml:"host" mapstructure:"host"`
	Port            int           `toml:"port" mapstructure:"port"`
	APIBase         string        `toml:"api_base" mapstructure:"api_base"`
	APIToken        string        `toml:"api_token" mapstructure:"api_token"` // empty leaves the API open
	NotFoundPage    string        `toml:"not_found_page" mapstructure:"not_found_page"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the dev server over HTTPS.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"` // SANs for generated certificates
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LogConfig configures slog and the command output log.
type LogConfig struct {
	Level  string       `toml:"level" mapstructure:"level"`
	Format string       `toml:"format" mapstructure:"format"`
	Color  bool         `toml:"color" mapstructure:"color"`
	Output OutputConfig `toml:"output" mapstructure:"output"`
}

// OutputConfig is the rotating file receiving command output.
type OutputConfig struct {
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// HistoryConfig enables the command history sink.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)

	v.SetDefault("project.dir", "app")
	v.SetDefault("project.manifest", "package.json")
	v.SetDefault("project.section", "devloop")
	v.SetDefault("project.installed", []string{"node_modules"})
	v.SetDefault("project.ignore", []string{"node_modules", ".git"})

	v.SetDefault("install.command", "npm")
	v.SetDefault("install.args", []string{"install"})
	v.SetDefault("install.window", 3*time.Second)

	v.SetDefault("build.command", "npm")
	v.SetDefault("build.args", []string{"run", "build"})
	v.SetDefault("build.window", 1500*time.Millisecond)
	v.SetDefault("build.patterns", []string{"*.html", "images", "scripts", "styles"})

	v.SetDefault("tasks.command", "npm")
	v.SetDefault("tasks.args", []string{"run"})

	v.SetDefault("dist.directory", "dist")
	v.SetDefault("dist.route", "/dist")
	v.SetDefault("dist.index", "index.html")

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.api_base", "/api")
	v.SetDefault("server.not_found_page", "404.html")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.output.max_size_mb", 10)
	v.SetDefault("log.output.max_backups", 3)
	v.SetDefault("log.output.max_age_days", 7)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// LoadConfig reads the TOML file at path on top of the defaults. An empty
// path yields the defaults. PORT, PROJECT_DOMAIN and DEVLOOP_API_TOKEN
// override the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("project.domain", "PROJECT_DOMAIN")
	_ = v.BindEnv("server.api_token", "DEVLOOP_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" && !filepath.IsAbs(c.Project.Dir) {
		// project dir is relative to the config file
		c.Project.Dir = filepath.Join(filepath.Dir(path), c.Project.Dir)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values the orchestrator relies on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Project.Dir) == "" {
		errs = append(errs, errors.New("project.dir is required"))
	}
	if strings.TrimSpace(c.Project.Manifest) == "" {
		errs = append(errs, errors.New("project.manifest is required"))
	}
	for name, cmd := range map[string]CommandConfig{"install": c.Install, "build": c.Build} {
		if strings.TrimSpace(cmd.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", name))
		}
		if cmd.Window <= 0 {
			errs = append(errs, fmt.Errorf("%s.window must be positive", name))
		}
	}
	if strings.TrimSpace(c.Tasks.Command) == "" {
		errs = append(errs, errors.New("tasks.command is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and key_file must be set together"))
	}
	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// ManifestPath returns the manifest file location.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Project.Dir, c.Project.Manifest)
}

// InstalledPath returns the directory whose absence triggers an initial install.
func (c *Config) InstalledPath() string {
	return filepath.Join(append([]string{c.Project.Dir}, c.Project.Installed...)...)
}

// CommandEnv composes the environment for launched commands: the OS
// environment when use_os_env is set, then env_files in order, then env.
func (c *Config) CommandEnv() ([]string, error) {
	e := env.New(c.UseOSEnv)
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	e.SetPairs(c.Env)
	return e.Merge(), nil
}
