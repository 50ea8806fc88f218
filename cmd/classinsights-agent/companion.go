package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classinsights/agent/internal/config"
	"github.com/classinsights/agent/internal/ipc"
	"github.com/classinsights/agent/internal/logging"
	"github.com/classinsights/agent/internal/userhelper"
)

var companionIdentity string

// companionCmd runs in the user's session and keeps it registered with the
// agent so directives reach the user before the machine goes down.
var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Connect the current user session to the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath := ipc.DefaultSocketPath()
		if cfg, err := config.Load(cfgFile); err == nil {
			logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
			if cfg.IPCPath != "" {
				socketPath = cfg.IPCPath
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := userhelper.New(socketPath, userhelper.Options{Identity: companionIdentity})
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	companionCmd.Flags().StringVar(&companionIdentity, "identity", "", "name announced to the agent (default is the current account)")
	rootCmd.AddCommand(companionCmd)
}
