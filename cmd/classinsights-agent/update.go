package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classinsights/agent/internal/agent"
	"github.com/classinsights/agent/internal/audit"
	"github.com/classinsights/agent/internal/updater"
)

var checkOnly bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install the agent version the server distributes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.RequireCore(); err != nil {
			return err
		}

		client, err := agent.NewAPIClient(cfg, nil)
		if err != nil {
			return err
		}

		var journal *audit.Journal
		if cfg.AuditEnabled && !checkOnly {
			journal, err = audit.Open(audit.Options{
				Dir:        cfg.GetDataDir(),
				MaxSizeMB:  cfg.AuditMaxSizeMB,
				MaxBackups: cfg.AuditMaxBackups,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: directive journal unavailable: %v\n", err)
			}
			defer journal.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		u := updater.New(updater.Config{
			Source:         client,
			CurrentVersion: version,
			Dir:            cfg.GetDataDir(),
			Journal:        journal,
		})

		if checkOnly {
			latest, available, err := u.Check(ctx)
			if err != nil {
				return err
			}
			if available {
				fmt.Printf("Update available: v%s -> v%s\n", version, latest)
			} else {
				fmt.Printf("Up to date (v%s)\n", version)
			}
			return nil
		}

		res, err := u.Update(ctx)
		if err != nil {
			return err
		}
		if !res.Installed {
			fmt.Printf("Up to date (v%s)\n", res.Current)
			return nil
		}
		fmt.Printf("Installer for v%s started (sha256 %s)\n", res.Latest, res.Checksum)
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update is available")
	rootCmd.AddCommand(updateCmd)
}
