package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIURL              string `mapstructure:"api_url" yaml:"api_url"`
	DeviceToken         string `mapstructure:"device_token" yaml:"device_token"`
	IPCPath             string `mapstructure:"ipc_path" yaml:"ipc_path"`
	DataDir             string `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel            string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat           string `mapstructure:"log_format" yaml:"log_format"`
	LogFile             string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB        int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups       int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogShipLevel        string `mapstructure:"log_ship_level" yaml:"log_ship_level"`
	APITimeoutSeconds   int    `mapstructure:"api_timeout_seconds" yaml:"api_timeout_seconds"`
	StartupDelaySeconds int    `mapstructure:"startup_delay_seconds" yaml:"startup_delay_seconds"`
	WebsocketEnabled    bool   `mapstructure:"websocket_enabled" yaml:"websocket_enabled"`
	AutoUpdate          bool   `mapstructure:"auto_update" yaml:"auto_update"`
	AuditEnabled        bool   `mapstructure:"audit_enabled" yaml:"audit_enabled"`
	AuditMaxSizeMB      int    `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups     int    `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`
	TLSCertFile         string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile          string `mapstructure:"tls_key_file" yaml:"tls_key_file"`

	MaxConcurrentCommands int `mapstructure:"max_concurrent_commands" yaml:"max_concurrent_commands"`
	CommandQueueSize      int `mapstructure:"command_queue_size" yaml:"command_queue_size"`
}

func Default() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
		LogShipLevel:          "info",
		APITimeoutSeconds:     30,
		StartupDelaySeconds:   300,
		WebsocketEnabled:      true,
		AuditEnabled:          true,
		AuditMaxSizeMB:        10,
		AuditMaxBackups:       3,
		MaxConcurrentCommands: 2,
		CommandQueueSize:      16,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CLASSINSIGHTS")
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"api_url", "device_token", "ipc_path", "data_dir", "log_level", "log_format", "log_file"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	applyPlatformDefaults(cfg)
	return cfg, nil
}

// APITimeout returns the per-attempt wall-clock bound for API calls.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySeconds) * time.Second
}

// GetDataDir returns the directory for the audit journal and downloads.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return dataDir()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ClassInsights")
	case "darwin":
		return "/Library/Application Support/ClassInsights"
	default:
		return "/etc/classinsights"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ClassInsights", "data")
	case "darwin":
		return "/Library/Application Support/ClassInsights/data"
	default:
		return "/var/lib/classinsights"
	}
}

// ConfigDir is exported for the status command.
func ConfigDir() string {
	return configDir()
}
