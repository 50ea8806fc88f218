package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective config and the directive journal state",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type journalStatus struct {
	Path     string `yaml:"path"`
	Entries  int    `yaml:"entries"`
	Intact   bool   `yaml:"intact"`
	BrokenAt int    `yaml:"broken_at,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

type statusReport struct {
	Version    string         `yaml:"version"`
	ConfigDir  string         `yaml:"config_dir"`
	Configured bool           `yaml:"configured"`
	Problems   []string       `yaml:"problems,omitempty"`
	Config     *config.Config `yaml:"config"`
	Journal    *journalStatus `yaml:"journal,omitempty"`
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		fmt.Printf("Error: %v\n", err)
		return
	}

	report := buildStatus(cfg)
	out, err := yaml.Marshal(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render status: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func buildStatus(cfg *config.Config) statusReport {
	shown := *cfg
	if shown.DeviceToken != "" {
		shown.DeviceToken = "<redacted>"
	}

	report := statusReport{
		Version:    version,
		ConfigDir:  config.ConfigDir(),
		Configured: cfg.RequireCore() == nil,
		Config:     &shown,
	}
	for _, err := range cfg.ValidateTiered().AllErrors() {
		report.Problems = append(report.Problems, err.Error())
	}

	if cfg.AuditEnabled {
		report.Journal = journalState(filepath.Join(cfg.GetDataDir(), audit.FileName))
	}
	return report
}

func journalState(path string) *journalStatus {
	js := &journalStatus{Path: path}
	res, err := audit.Verify(path)
	if err != nil {
		js.Error = err.Error()
		return js
	}
	js.Entries = res.Entries
	js.Intact = res.BrokenAt == 0
	js.BrokenAt = res.BrokenAt
	js.Reason = res.Reason
	return js
}
