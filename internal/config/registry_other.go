//go:build !windows

package config

func applyPlatformDefaults(cfg *Config) {}
