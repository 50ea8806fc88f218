//go:build !windows

package main

import (
	"context"
	"errors"
	"os"
)

func isWindowsService() bool { return false }

// hasConsole reports whether stdout is a terminal. It is false under
// systemd.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runAsService(func(context.Context) error) error {
	return errors.New("Windows service mode is not available on this platform")
}
