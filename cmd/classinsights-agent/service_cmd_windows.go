//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const windowsServiceName = "ClassInsightsAgent"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the ClassInsights Agent Windows service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
}

func openService() (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
	}
	s, err := m.OpenService(windowsServiceName)
	if err != nil {
		m.Disconnect()
		return nil, nil, fmt.Errorf("failed to open service: %w", err)
	}
	return m, s, nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:  "ClassInsights Agent",
			Description:  "Shuts classroom computers down during breaks",
			StartType:    mgr.StartAutomatic,
			ErrorControl: mgr.ErrorNormal,
		}, "run")
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer s.Close()

		// The agent exits non-zero when it cannot reach the server; restart
		// it like a crash.
		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 60 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set recovery actions: %v\n", err)
		}
		if err := s.SetRecoveryActionsOnNonCrashFailures(true); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable recovery on non-crash failures: %v\n", err)
		}

		fmt.Printf("Service %q installed successfully.\n", windowsServiceName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		status, err := s.Query()
		if err == nil && status.State != svc.Stopped {
			_, _ = s.Control(svc.Stop)
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				st, qErr := s.Query()
				if qErr != nil || st.State == svc.Stopped {
					break
				}
				time.Sleep(500 * time.Millisecond)
			}
		}

		if err := s.Delete(); err != nil {
			return fmt.Errorf("failed to delete service: %w", err)
		}

		fmt.Printf("Service %q uninstalled.\n", windowsServiceName)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		fmt.Printf("Service %q started.\n", windowsServiceName)
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		if _, err := s.Control(svc.Stop); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Printf("Service %q stop requested.\n", windowsServiceName)
		return nil
	},
}
