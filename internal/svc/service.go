// Package svc installs and runs the bucket server as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Flags passed by the service manager.
const (
	RunFlag  = "--service-run"
	NameFlag = "--service-name"
)

// RunFunc serves the bucket configured at configPath until ctx is done.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the server and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// DefaultConfig returns the service settings for configPath, or the
// platform default config path when empty.
func DefaultConfig(name, configPath string) *ServiceConfig {
	if name == "" {
		name = "ossbucket"
	}
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	return &ServiceConfig{
		Name:        name,
		DisplayName: "ossbucket Server",
		Description: "ossbucket object storage bucket server",
		ConfigPath:  configPath,
	}
}

// DefaultConfigPath returns the platform's system config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "ossbucket", "ossbucket.yaml")
	}
	return "/etc/ossbucket/ossbucket.yaml"
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{RunFlag, NameFlag, cfg.Name, "serve", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. With force an existing installation is
// stopped and replaced.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if running and removes it.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action (start, stop or restart) to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status as running, stopped or unknown.
func Status(cfg *ServiceConfig) (string, error) {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return "unknown", err
	}
	status, err := s.Status()
	return StatusString(status), err
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager and blocks until it stops.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails on Unix unless running as root. Windows reports
// missing rights on the actual service call.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}
