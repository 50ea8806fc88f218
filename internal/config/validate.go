package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ErrMissingCore is returned by RequireCore when the agent cannot reach the
// management server at all.
var ErrMissingCore = errors.New("config: api_url and device_token are required")

// ValidationResult separates problems that must stop the agent from
// problems that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns all errors found. Out of range
// numeric values are clamped and reported as warnings.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_url %q is not a valid URL: %w", c.APIURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_url scheme must be http or https, got %q", u.Scheme))
		} else if u.Host == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_url %q has no host", c.APIURL))
		}
	}

	if c.DeviceToken != "" {
		for _, ch := range c.DeviceToken {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("device_token contains control characters"))
				break
			}
		}
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must be set together"))
	}

	c.APITimeoutSeconds = clamp(&r, "api_timeout_seconds", c.APITimeoutSeconds, 5, 300)
	// Zero disables the startup grace period, which is useful in lab setups.
	c.StartupDelaySeconds = clamp(&r, "startup_delay_seconds", c.StartupDelaySeconds, 0, 3600)
	c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
	c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 0, 50)
	c.AuditMaxSizeMB = clamp(&r, "audit_max_size_mb", c.AuditMaxSizeMB, 1, 1024)
	c.AuditMaxBackups = clamp(&r, "audit_max_backups", c.AuditMaxBackups, 1, 50)
	c.MaxConcurrentCommands = clamp(&r, "max_concurrent_commands", c.MaxConcurrentCommands, 1, 100)
	c.CommandQueueSize = clamp(&r, "command_queue_size", c.CommandQueueSize, 1, 10000)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogShipLevel != "" && !validLogLevels[strings.ToLower(c.LogShipLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_ship_level %q is not valid (use debug, info, warn, error)", c.LogShipLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

// RequireCore reports whether the values needed to talk to the server are
// present. Missing values abort startup.
func (c *Config) RequireCore() error {
	var missing []string
	if strings.TrimSpace(c.APIURL) == "" {
		missing = append(missing, "api_url")
	}
	if strings.TrimSpace(c.DeviceToken) == "" {
		missing = append(missing, "device_token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w (missing: %s)", ErrMissingCore, strings.Join(missing, ", "))
	}
	return nil
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
