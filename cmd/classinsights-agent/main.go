package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/classinsights/agent/internal/agent"
	"github.com/classinsights/agent/internal/config"
	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("main")

var (
	version = "0.0.0-dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "classinsights-agent",
	Short: "ClassInsights classroom agent",
	Long:  `ClassInsights Agent - shuts classroom computers down during breaks and reports them to the dashboard`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ClassInsights Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the ClassInsights config directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// initLogging points the global logger at the configured file, teeing to
// stdout when a console is attached. The returned func closes the file.
func initLogging(cfg *config.Config) func() {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", cfg.LogFile, err)
		} else {
			out = rw
			if hasConsole() {
				out = logging.TeeWriter(os.Stdout, rw)
			}
			closeFn = func() { rw.Close() }
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return closeFn
}

func runAgent() {
	cfg := loadConfig()
	closeLog := initLogging(cfg)
	defer closeLog()

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config corrected", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("invalid config", "error", err)
		}
		closeLog()
		os.Exit(1)
	}

	run := func(ctx context.Context) error {
		a, err := agent.New(cfg, agent.Options{Version: version})
		if err != nil {
			return err
		}
		return a.Run(ctx)
	}

	var err error
	if isWindowsService() {
		err = runAsService(run)
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = run(ctx)
		stop()
	}

	if err != nil {
		// A non-zero exit lets the service manager restart the agent.
		log.Error("agent exited", "error", err)
		closeLog()
		os.Exit(1)
	}
}
