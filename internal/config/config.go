package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/volback/pkg/file"
)

// Config is the parsed backups file.
//
// Environment Variables:
// - VOLBACK_CONFIG: config file path (default: ~/.config/volback/backups.yml)
// - RESTIC_PASSWORD: repository password, takes precedence over the file
// - LOGFILE: log file path, overrides log_file
// - VOLBACK_STATE_DIR: state directory, overrides state_dir
// - LOG_LEVEL: default log level when -v is not given
//
// A .env file next to the config file is loaded first and never overrides
// variables that are already set.
type Config struct {
	Host            string            `yaml:"host"`
	Restic          string            `yaml:"restic"`
	ResticPassword  string            `yaml:"restic_password"`
	PassFile        string            `yaml:"passfile"`
	PassKey         string            `yaml:"passkey"`
	StateDir        string            `yaml:"state_dir"`
	ExcludeFile     string            `yaml:"exclude_file"`
	Probe           string            `yaml:"probe"`
	Schedule        string            `yaml:"schedule"`
	LogFile         string            `yaml:"log_file"`
	MetricsTextfile string            `yaml:"metrics_textfile"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Timeouts        TimeoutConfig     `yaml:"timeouts"`
	Volumes         map[string]string `yaml:"volumes"`
	Repos           map[string]Repo   `yaml:"repos"`

	// path is the file the config was read from.
	path string
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type TimeoutConfig struct {
	Mount  time.Duration `yaml:"mount"`
	Backup time.Duration `yaml:"backup"`
	Prune  time.Duration `yaml:"prune"`
}

// Repo is one repository entry: the units under Base backed up to a restic
// repository named after the entry on Volume.
type Repo struct {
	Volume string   `yaml:"volume"`
	Freq   string   `yaml:"freq"`
	Base   string   `yaml:"base"`
	Dirs   []string `yaml:"dirs"`
}

const (
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"

	DefaultSchedule = "@hourly"
	DefaultRestic   = "restic"
)

var (
	DefaultMountTimeout  = time.Minute
	DefaultBackupTimeout = 12 * time.Hour
	DefaultPruneTimeout  = 2 * time.Hour
)

// Option is a function type for configuring Config
type Option func(*Config)

// WithStateDir overrides state_dir.
func WithStateDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.StateDir = dir
		}
	}
}

// WithProbe overrides the volume probe.
func WithProbe(probe string) Option {
	return func(c *Config) {
		if probe != "" {
			c.Probe = probe
		}
	}
}

// DefaultPath returns $VOLBACK_CONFIG or ~/.config/volback/backups.yml.
func DefaultPath() string {
	return getEnvString("VOLBACK_CONFIG", file.ExpandHome("~/.config/volback/backups.yml"))
}

// Load reads, defaults and validates the config at path.
func Load(path string, opts ...Option) (*Config, error) {
	path = file.ExpandHome(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(abs), ".env")
	if file.Exists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, abs)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config document and applies defaults and env overrides.
// path is used to resolve relative paths. Parse does not validate.
func Parse(data []byte, path string) (*Config, error) {
	cfg := &Config{path: path}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes $VAR references in host and path settings. Secrets
// are left as written.
func (c *Config) expandEnv() {
	for _, field := range []*string{
		&c.Host, &c.Restic, &c.PassFile, &c.StateDir, &c.ExcludeFile,
		&c.LogFile, &c.MetricsTextfile, &c.Ledger.Path,
	} {
		*field = os.ExpandEnv(*field)
	}
	for name, repo := range c.Repos {
		repo.Base = os.ExpandEnv(repo.Base)
		c.Repos[name] = repo
	}
}

func (c *Config) applyDefaults() error {
	dir := filepath.Dir(c.path)
	c.expandEnv()

	if c.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Host = strings.SplitN(host, ".", 2)[0]
	}
	if c.Restic == "" {
		c.Restic = DefaultRestic
	}
	c.Restic = file.ExpandHome(c.Restic)

	c.StateDir = getEnvString("VOLBACK_STATE_DIR", c.StateDir)
	if c.StateDir == "" {
		c.StateDir = dir
	}
	c.StateDir = file.Resolve(dir, c.StateDir)

	if c.ExcludeFile == "" {
		c.ExcludeFile = "excludes.txt"
	}
	c.ExcludeFile = file.Resolve(dir, c.ExcludeFile)

	if c.Probe == "" {
		c.Probe = defaultProbe()
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}

	c.LogFile = getEnvString("LOGFILE", c.LogFile)
	if c.LogFile != "" {
		c.LogFile = file.Resolve(dir, c.LogFile)
	}
	if c.MetricsTextfile != "" {
		c.MetricsTextfile = file.Resolve(dir, c.MetricsTextfile)
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerFile
	}
	if c.Ledger.Path == "" {
		name := "ledger.json"
		if c.Ledger.Driver == LedgerSQLite {
			name = "volback.db"
		}
		c.Ledger.Path = filepath.Join(c.StateDir, name)
	}
	c.Ledger.Path = file.Resolve(c.StateDir, c.Ledger.Path)

	if c.Timeouts.Mount <= 0 {
		c.Timeouts.Mount = DefaultMountTimeout
	}
	if c.Timeouts.Backup <= 0 {
		c.Timeouts.Backup = DefaultBackupTimeout
	}
	if c.Timeouts.Prune <= 0 {
		c.Timeouts.Prune = DefaultPruneTimeout
	}
	for name, repo := range c.Repos {
		repo.Base = file.ExpandHome(repo.Base)
		c.Repos[name] = repo
	}
	return nil
}

func defaultProbe() string {
	if runtime.GOOS == "darwin" {
		return "diskutil"
	}
	return "lsblk"
}

// Validate checks references between sections and value formats.
func (c *Config) Validate() error {
	if len(c.Volumes) == 0 {
		return fmt.Errorf("no volumes configured")
	}
	for name, id := range c.Volumes {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("volume %s: invalid uuid %q: %w", name, id, err)
		}
	}
	for name, repo := range c.Repos {
		if repo.Volume == "" {
			return fmt.Errorf("repo %s: volume is required", name)
		}
		if _, ok := c.Volumes[repo.Volume]; !ok {
			return fmt.Errorf("repo %s: unknown volume %q", name, repo.Volume)
		}
		if repo.Base == "" {
			return fmt.Errorf("repo %s: base is required", name)
		}
		if len(repo.Dirs) == 0 {
			return fmt.Errorf("repo %s: no dirs configured", name)
		}
	}
	switch c.Probe {
	case "diskutil", "lsblk", "udisks":
	default:
		return fmt.Errorf("unknown probe %q", c.Probe)
	}
	switch c.Ledger.Driver {
	case LedgerFile, LedgerSQLite:
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

// Path is the config file the settings were loaded from.
func (c *Config) Path() string {
	return c.path
}

// Password resolves the restic password: RESTIC_PASSWORD, then
// restic_password, then passkey looked up in passfile.
func (c *Config) Password() (string, error) {
	if pw := getEnvString("RESTIC_PASSWORD", ""); pw != "" {
		return pw, nil
	}
	if c.ResticPassword != "" {
		return c.ResticPassword, nil
	}
	if c.PassFile == "" || c.PassKey == "" {
		return "", fmt.Errorf("no restic password: set RESTIC_PASSWORD, restic_password or passfile/passkey")
	}

	path := file.Resolve(filepath.Dir(c.path), c.PassFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read passfile: %w", err)
	}
	secrets := map[string]any{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("invalid passfile %s: %w", path, err)
	}
	value, ok := secrets[c.PassKey]
	if !ok {
		return "", fmt.Errorf("passkey %q not found in %s", c.PassKey, path)
	}
	pw := strings.TrimSpace(fmt.Sprint(value))
	if pw == "" {
		return "", fmt.Errorf("passkey %q is empty in %s", c.PassKey, path)
	}
	return pw, nil
}

// VolumeNames returns the configured volume names, sorted.
func (c *Config) VolumeNames() []string {
	return sortedKeys(c.Volumes)
}

// RepoNames returns the configured repository names, sorted.
func (c *Config) RepoNames() []string {
	return sortedKeys(c.Repos)
}

func sortedKeys[V any](m map[string]V) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
