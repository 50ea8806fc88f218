//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	linuxBinaryPath  = "/usr/local/bin/classinsights-agent"
	linuxUnitDst     = "/etc/systemd/system/classinsights-agent.service"
	linuxUserUnitDst = "/usr/lib/systemd/user/classinsights-companion.service"
	linuxConfigDir   = "/etc/classinsights"
	linuxDataDir     = "/var/lib/classinsights"
	linuxLogDir      = "/var/log/classinsights"
	linuxIPCDir      = "/run/classinsights"
	linuxServiceName = "classinsights-agent"
	linuxGroup       = "classinsights"
)

const linuxUnit = `[Unit]
Description=ClassInsights Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/classinsights-agent run
WorkingDirectory=/etc/classinsights
Restart=on-failure
RestartSec=30
RuntimeDirectory=classinsights
RuntimeDirectoryMode=0770

ProtectHome=read-only
ReadWritePaths=/etc/classinsights /var/lib/classinsights /var/log/classinsights
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=classinsights-agent

[Install]
WantedBy=multi-user.target
`

const linuxUserUnit = `[Unit]
Description=ClassInsights session companion
After=graphical-session.target

[Service]
Type=simple
ExecStart=/usr/local/bin/classinsights-agent companion
Restart=always
RestartSec=10

[Install]
WantedBy=default.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the ClassInsights Agent system service (systemd)",
}

var withCompanion bool

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceInstallCmd.Flags().BoolVar(&withCompanion, "with-companion", true, "also install the per-user session companion unit")
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo classinsights-agent service %s)", action)
	}
	return nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}

		for _, dir := range []string{linuxConfigDir, linuxDataDir, linuxLogDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		// The config holds the device token.
		if err := os.Chmod(linuxConfigDir, 0700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", linuxConfigDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if withCompanion {
			if err := os.MkdirAll(filepath.Dir(linuxUserUnitDst), 0755); err == nil {
				if err := os.WriteFile(linuxUserUnitDst, []byte(linuxUserUnit), 0644); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to write companion unit: %v\n", err)
				} else {
					fmt.Printf("Companion unit installed to %s\n", linuxUserUnitDst)
					if err := systemctl("--global", "enable", filepath.Base(linuxUserUnitDst)); err != nil {
						fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
					}
				}
			}
		}

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", linuxServiceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		// Members of the group may open the session socket.
		exec.Command("groupadd", "--system", linuxGroup).Run()
		os.MkdirAll(linuxIPCDir, 0770)
		exec.Command("chown", "root:"+linuxGroup, linuxIPCDir).Run()

		fmt.Println()
		fmt.Println("ClassInsights Agent service installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  1. Configure: set api_url and device_token in %s/agent.yaml\n", linuxConfigDir)
		fmt.Println("  2. Start:     sudo classinsights-agent service start")
		fmt.Println("  3. Logs:      journalctl -u classinsights-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}

		systemctl("stop", linuxServiceName)
		systemctl("disable", linuxServiceName)
		systemctl("--global", "disable", filepath.Base(linuxUserUnitDst))
		os.Remove(linuxUnitDst)
		os.Remove(linuxUserUnitDst)
		systemctl("daemon-reload")
		os.Remove(linuxBinaryPath)

		fmt.Println("ClassInsights Agent service uninstalled.")
		fmt.Printf("Config at %s and the directive journal in %s were preserved.\n", linuxConfigDir, linuxDataDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo classinsights-agent service install' first")
		}
		if err := systemctl("start", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("ClassInsights Agent service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		if err := systemctl("stop", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("ClassInsights Agent service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// Non-zero for a stopped unit; the output is still what we want.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
