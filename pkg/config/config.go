package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSyncInterval    = 30 * time.Second
	DefaultProbeInterval   = 10 * time.Second
	DefaultRequestTimeout  = 15 * time.Second
	DefaultPullMaxElapsed  = 20 * time.Second
	DefaultSyncedRetention = 24 * time.Hour
)

type Options struct {
	ConfigPath      string        `yaml:"-"`
	DBPath          string        `yaml:"db_path"`
	ServerURL       string        `yaml:"server_url"`
	AuthToken       string        `yaml:"auth_token"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PullMaxElapsed  time.Duration `yaml:"pull_max_elapsed"`
	SyncedRetention time.Duration `yaml:"synced_retention"`
	StatusAddr      string        `yaml:"status_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	LogPath         string        `yaml:"log_path"`
	StoreKey        string        `yaml:"store_key"`
}

// NewConfig returns the built-in defaults.
func NewConfig() *Options {
	return &Options{
		DBPath:          defaultDBPath(),
		ServerURL:       "http://localhost:8080",
		SyncInterval:    DefaultSyncInterval,
		ProbeInterval:   DefaultProbeInterval,
		RequestTimeout:  DefaultRequestTimeout,
		PullMaxElapsed:  DefaultPullMaxElapsed,
		SyncedRetention: DefaultSyncedRetention,
		StatusAddr:      "127.0.0.1:8090",
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "possync.db"
	}
	return filepath.Join(home, ".possync", "possync.db")
}

// BindFlags registers one flag per option, writing straight into o.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to a YAML config file")
	fs.StringVar(&o.DBPath, "db", o.DBPath, "local SQLite database path")
	fs.StringVar(&o.ServerURL, "server-url", o.ServerURL, "remote catalog base URL")
	fs.StringVar(&o.AuthToken, "auth-token", o.AuthToken, "bearer token sent to the catalog")
	fs.DurationVar(&o.SyncInterval, "sync-interval", o.SyncInterval, "periodic sync interval")
	fs.DurationVar(&o.ProbeInterval, "probe-interval", o.ProbeInterval, "connectivity probe interval")
	fs.DurationVar(&o.RequestTimeout, "request-timeout", o.RequestTimeout, "timeout for one remote request")
	fs.DurationVar(&o.PullMaxElapsed, "pull-max-elapsed", o.PullMaxElapsed, "total retry budget for one change pull")
	fs.DurationVar(&o.SyncedRetention, "synced-retention", o.SyncedRetention, "how long synced queue records are kept")
	fs.StringVar(&o.StatusAddr, "status-addr", o.StatusAddr, "listen address of the local status API (empty disables it)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "log format: console or json")
	fs.StringVar(&o.LogPath, "log-path", o.LogPath, "log file (stderr when empty)")
	fs.StringVar(&o.StoreKey, "store-key", o.StoreKey, "passphrase sealing queued payloads at rest")
}

// Load layers the config file and the environment under the flags the user
// set explicitly: defaults < file < environment < flags.
func (o *Options) Load(fs *pflag.FlagSet) error {
	explicit := map[string]string{}
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
	}

	if path, ok := os.LookupEnv("CONFIG_PATH"); ok && o.ConfigPath == "" {
		o.ConfigPath = path
	}
	if o.ConfigPath != "" {
		if err := o.loadFile(o.ConfigPath); err != nil {
			return err
		}
	}
	if err := o.loadEnv(); err != nil {
		return err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapply flag %s: %w", name, err)
		}
	}
	return o.Validate()
}

func (o *Options) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Check if corresponding environment variables are set and override the values if present.
func (o *Options) loadEnv() error {
	strs := map[string]*string{
		"DB_PATH":     &o.DBPath,
		"SERVER_URL":  &o.ServerURL,
		"AUTH_TOKEN":  &o.AuthToken,
		"STATUS_ADDR": &o.StatusAddr,
		"LOG_LEVEL":   &o.LogLevel,
		"LOG_FORMAT":  &o.LogFormat,
		"LOG_PATH":    &o.LogPath,
		"STORE_KEY":   &o.StoreKey,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SYNC_INTERVAL":    &o.SyncInterval,
		"PROBE_INTERVAL":   &o.ProbeInterval,
		"REQUEST_TIMEOUT":  &o.RequestTimeout,
		"PULL_MAX_ELAPSED": &o.PullMaxElapsed,
		"SYNCED_RETENTION": &o.SyncedRetention,
	}
	for env, dst := range durations {
		v, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

// parseDuration accepts Go durations and bare integers meaning seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (o *Options) Validate() error {
	var errs []error
	if o.ServerURL == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	if o.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if o.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", o.SyncInterval))
	}
	if o.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("probe interval must be positive, got %s", o.ProbeInterval))
	}
	return errors.Join(errs...)
}
