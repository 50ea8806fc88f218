//go:build windows

package config

import (
	"golang.org/x/sys/windows/registry"
)

const registryKeyPath = `SOFTWARE\ClassInsights`

// applyPlatformDefaults fills the API URL and device credential from the
// values the installer writes to HKLM when the config file leaves them empty.
func applyPlatformDefaults(cfg *Config) {
	if cfg.APIURL != "" && cfg.DeviceToken != "" {
		return
	}

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, registryKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return
	}
	defer k.Close()

	if cfg.APIURL == "" {
		if v, _, err := k.GetStringValue("ApiUrl"); err == nil {
			cfg.APIURL = v
		}
	}
	if cfg.DeviceToken == "" {
		if v, _, err := k.GetStringValue("ApiToken"); err == nil {
			cfg.DeviceToken = v
		}
	}
}
