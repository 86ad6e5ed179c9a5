package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ossbucket/ossbucket/internal/config"
	"github.com/ossbucket/ossbucket/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the bucket server as a system service",
		Long: `Install, control, and manage ossbucket serve as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo ossbucket service install --config /etc/ossbucket/ossbucket.yaml
  sudo ossbucket service start
  sudo ossbucket service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: ossbucket)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the server as a system service",
		Long: `Install the server as a system service that starts automatically at boot.
The config file is validated first. Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE:  runServiceUninstall,
	})
	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(cmd, action)
			},
		})
	}
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(cmd.OutOrStdout(), svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	path := cfgFile
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	cfg := svc.DefaultConfig(serviceName, path)
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()

	bc, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w\nCreate the config file first or pass --config", err)
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfg.ConfigPath, err)
	}

	log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	fmt.Fprintf(out, "\nTo start the service:\n  ossbucket service start --name %s\n", cfg.Name)
	fmt.Fprintf(out, "\nTo view logs:\n  ossbucket service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(cmd *cobra.Command, action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := serviceConfig()
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := serviceConfig()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service: %s\n", cfg.Name)

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Fprintf(out, "Status:  not installed or unknown\n")
		fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Status:  %s\n", status)
	fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

// runAsService is the entry point when the service manager starts the
// binary with svc.RunFlag.
func runAsService() {
	setupLogging()

	var name, configPath string
	for i, arg := range os.Args[:len(os.Args)-1] {
		switch arg {
		case svc.NameFlag:
			name = os.Args[i+1]
		case "--config", "-c":
			configPath = os.Args[i+1]
		}
	}
	cfg := svc.DefaultConfig(name, configPath)

	log.Info().Str("config", cfg.ConfigPath).Str("version", Version).Msg("starting as service")
	prg := &svc.Program{ConfigPath: cfg.ConfigPath, Run: serveConfigPath}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}
