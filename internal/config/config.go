// Package config handles pglib-console's own configuration loading and
// validation. It has nothing to do with the pglib engine itself, which
// takes its Options directly from its caller — this package only serves
// the example console binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pglib/pglib/pkg/logger"
)

type Config struct {
	// Connection defaults used when the connect command's flags are empty.
	Connection ConnectionConfig `mapstructure:"connection"`

	// Console behavior
	Console ConsoleConfig `mapstructure:"console"`

	// Health/metrics HTTP surface
	API APIConfig `mapstructure:"api"`

	Log LogConfig `mapstructure:"log"`

	// ConfigFile is the file Load actually read, if any, so a caller can
	// watch it for changes. Never populated from the file itself.
	ConfigFile string `mapstructure:"-"`
}

type ConnectionConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ConsoleConfig struct {
	// HistoryFile names a file for prior queries. It is loaded, saved and
	// shown by "config show"; the console does not read or write the file.
	HistoryFile string `mapstructure:"history_file"`
	// MaxRows is a row limit for the table view. It is loaded and saved;
	// the result renderer does not apply it and prints every row.
	MaxRows int `mapstructure:"max_rows"`
}

type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:           "localhost",
			Port:           5432,
			User:           currentUser(),
			SSLMode:        "prefer",
			ConnectTimeout: 10 * time.Second,
		},
		Console: ConsoleConfig{
			HistoryFile: defaultHistoryFile(),
			MaxRows:     500,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":9432",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func currentUser() string {
	if u := os.Getenv("PGUSER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "postgres"
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pglib-console"
	}
	return filepath.Join(home, ".pglib-console")
}

func defaultHistoryFile() string {
	return filepath.Join(defaultConfigDir(), "history")
}

// DefaultConfigPath returns the file Save should target when the caller
// has no explicit config path of its own, mirroring the per-user
// directory in Load's own search path (searched after ".").
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// Load loads configuration from file and environment variables; command
// line flags are not read here.
// configPath, if non-empty, names an explicit file; otherwise the usual
// search path is used.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("connection.host", defaults.Connection.Host)
	v.SetDefault("connection.port", defaults.Connection.Port)
	v.SetDefault("connection.user", defaults.Connection.User)
	v.SetDefault("connection.ssl_mode", defaults.Connection.SSLMode)
	v.SetDefault("connection.connect_timeout", defaults.Connection.ConnectTimeout)
	v.SetDefault("console.history_file", defaults.Console.HistoryFile)
	v.SetDefault("console.max_rows", defaults.Console.MaxRows)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.listen_addr", defaults.API.ListenAddr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath("/etc/pglib-console")
	}

	v.SetEnvPrefix("pglib")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	return &cfg, nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.Set("connection", c.Connection)
	v.Set("console", c.Console)
	v.Set("api", c.API)
	v.Set("log", c.Log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

// Validate checks whether the config is usable to attempt a connection.
func (c *Config) Validate() error {
	if c.Connection.Host == "" {
		return fmt.Errorf("connection.host is required")
	}
	if c.Connection.Port <= 0 {
		return fmt.Errorf("connection.port must be positive")
	}
	return nil
}

// Watcher watches the config file on disk and calls back with the
// reloaded Config, letting the console pick up a changed log level or
// metrics bind address without a restart.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path, calling callback on every debounced
// write. path must already exist.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		logger.Error("config hot-reload failed", "err", err)
		return
	}
	logger.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
