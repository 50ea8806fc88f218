// Package updater replaces the agent with the build the server distributes.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("updater")

// Source is the part of the API client the updater uses.
type Source interface {
	GetClientVersion(ctx context.Context) (string, error)
	DownloadClientInstaller(ctx context.Context, w io.Writer) (int64, error)
}

type Journal interface {
	Record(eventType, subject string, details map[string]any)
}

// Launcher starts the installer at path and returns without waiting for it.
type Launcher func(goos, path string) error

type Config struct {
	Source         Source
	CurrentVersion string
	// Dir receives the downloaded installer. Empty means the OS temp dir.
	Dir      string
	Journal  Journal
	Launcher Launcher
	GOOS     string
}

// Result describes one update check.
type Result struct {
	Current   string
	Latest    string
	Installed bool
	Path      string
	Checksum  string
}

type Updater struct {
	cfg Config
}

func New(cfg Config) *Updater {
	if cfg.Journal == nil {
		cfg.Journal = (*audit.Journal)(nil)
	}
	if cfg.Launcher == nil {
		cfg.Launcher = LaunchInstaller
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &Updater{cfg: cfg}
}

// Check asks the server for the distributed version.
func (u *Updater) Check(ctx context.Context) (latest string, available bool, err error) {
	latest, err = u.cfg.Source.GetClientVersion(ctx)
	if err != nil {
		return "", false, fmt.Errorf("updater: check version: %w", err)
	}
	return latest, NeedsUpdate(u.cfg.CurrentVersion, latest), nil
}

// Update installs the distributed build when it differs from the running
// one. The installer replaces this process; callers should expect to be
// stopped shortly after a successful install.
func (u *Updater) Update(ctx context.Context) (Result, error) {
	res := Result{Current: u.cfg.CurrentVersion}
	latest, available, err := u.Check(ctx)
	if err != nil {
		return res, err
	}
	res.Latest = latest
	if !available {
		log.Debug("agent is up to date", "version", u.cfg.CurrentVersion)
		return res, nil
	}

	log.Info("new agent version available, downloading installer", "current", u.cfg.CurrentVersion, "latest", latest)
	path, err := u.download(ctx)
	if err != nil {
		return res, err
	}
	res.Path = path

	sum, err := fileChecksum(path)
	if err != nil {
		os.Remove(path)
		return res, fmt.Errorf("updater: hash installer: %w", err)
	}
	res.Checksum = sum

	u.cfg.Journal.Record(audit.EventUpdateInstall, latest, map[string]any{
		"from":   u.cfg.CurrentVersion,
		"sha256": sum,
	})

	log.Info("running agent installer", "path", path)
	if err := u.cfg.Launcher(u.cfg.GOOS, path); err != nil {
		os.Remove(path)
		return res, fmt.Errorf("updater: launch installer: %w", err)
	}
	res.Installed = true
	return res, nil
}

func (u *Updater) download(ctx context.Context) (string, error) {
	pattern := "classinsights-agent-*"
	if u.cfg.GOOS == "windows" {
		pattern += ".msi"
	}
	if u.cfg.Dir != "" {
		if err := os.MkdirAll(u.cfg.Dir, 0700); err != nil {
			return "", fmt.Errorf("updater: create download dir: %w", err)
		}
	}
	tempFile, err := os.CreateTemp(u.cfg.Dir, pattern)
	if err != nil {
		return "", fmt.Errorf("updater: create temp file: %w", err)
	}

	n, err := u.cfg.Source.DownloadClientInstaller(ctx, tempFile)
	closeErr := tempFile.Close()
	if err == nil && n == 0 {
		err = errors.New("empty installer")
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempFile.Name())
		return "", fmt.Errorf("updater: download installer: %w", err)
	}
	log.Info("installer downloaded", "path", tempFile.Name(), "bytes", n)
	return tempFile.Name(), nil
}

// NeedsUpdate reports whether latest names a different build than current.
// An empty latest never triggers an update.
func NeedsUpdate(current, latest string) bool {
	latest = normalizeVersion(latest)
	if latest == "" {
		return false
	}
	return latest != normalizeVersion(current)
}

func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	return v
}

// InstallerCommand returns the command line that installs path on goos.
func InstallerCommand(goos, path string) (string, []string) {
	if goos == "windows" {
		return "msiexec", []string{"/i", path, "/qn"}
	}
	return path, nil
}

// LaunchInstaller starts the installer detached from the agent so it
// survives the service stopping.
func LaunchInstaller(goos, path string) error {
	if goos != "windows" {
		if err := os.Chmod(path, 0755); err != nil {
			return err
		}
	}
	name, args := InstallerCommand(goos, path)
	cmd := exec.Command(name, args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// fileChecksum returns the hex SHA-256 of the file at path.
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
