// Package config handles configuration loading and validation for ossbucket.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ossbucket/ossbucket/internal/authz"
	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/internal/token"
	"github.com/ossbucket/ossbucket/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultListen  = "127.0.0.1:8480"
	DefaultDataDir = "/var/lib/ossbucket"
)

// LimitsConfig holds the tree and size limits of a new bucket.
type LimitsConfig struct {
	MaxFileSize       bytesize.Size `yaml:"max_file_size"`
	MaxFolderDepth    int           `yaml:"max_folder_depth"`
	MaxChildren       int           `yaml:"max_children"`
	MaxCustomDataSize bytesize.Size `yaml:"max_custom_data_size"`
	EnableHashIndex   bool          `yaml:"enable_hash_index"`
	UniqueNames       *bool         `yaml:"unique_names"` // default true
}

// BucketConfig seeds the bucket on its first start. Once the bucket
// exists its persisted state takes precedence, except for controllers.
type BucketConfig struct {
	Name        string       `yaml:"name"`
	Visibility  string       `yaml:"visibility"` // "private" (default) or "public"
	Limits      LimitsConfig `yaml:"limits"`
	Controllers []string     `yaml:"controllers"`
	Managers    []string     `yaml:"managers"`
	Auditors    []string     `yaml:"auditors"`

	// TrustedKeyFiles and WeakKeyFiles are authorized_keys style files
	// holding the token issuer public keys.
	TrustedKeyFiles []string      `yaml:"trusted_key_files"`
	WeakKeyFiles    []string      `yaml:"weak_key_files"`
	MaxWeakWindow   time.Duration `yaml:"max_weak_window"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig controls the HTTP front end.
type HTTPConfig struct {
	// TrustPrincipalHeader takes the caller from the X-Principal header
	// instead of the token subject. Enable only behind a proxy that
	// authenticates callers and overwrites the header.
	TrustPrincipalHeader bool `yaml:"trust_principal_header"`
}

// Config is the server configuration.
type Config struct {
	Listen     string        `yaml:"listen"`
	DataDir    string        `yaml:"data_dir"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	LogLevel   string        `yaml:"log_level"`
	HTTP       HTTPConfig    `yaml:"http"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Bucket     BucketConfig  `yaml:"bucket"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" && !c.InMemory {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Bucket.Visibility == "" {
		c.Bucket.Visibility = "private"
	}
	if c.Bucket.MaxWeakWindow == 0 {
		c.Bucket.MaxWeakWindow = token.DefaultMaxWeakWindow
	}

	d := store.DefaultLimits()
	l := &c.Bucket.Limits
	if l.MaxFileSize == 0 {
		l.MaxFileSize = bytesize.Size(d.MaxFileSize)
	}
	if l.MaxFolderDepth == 0 {
		l.MaxFolderDepth = int(d.MaxFolderDepth)
	}
	if l.MaxChildren == 0 {
		l.MaxChildren = int(d.MaxChildren)
	}
	if l.MaxCustomDataSize == 0 {
		l.MaxCustomDataSize = bytesize.Size(d.MaxCustomDataSize)
	}
	if l.UniqueNames == nil {
		unique := d.UniqueNames
		l.UniqueNames = &unique
	}

	for i, p := range c.Bucket.TrustedKeyFiles {
		c.Bucket.TrustedKeyFiles[i] = expandHome(p)
	}
	for i, p := range c.Bucket.WeakKeyFiles {
		c.Bucket.WeakKeyFiles[i] = expandHome(p)
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	b := c.Bucket
	if b.Name == "" {
		return fmt.Errorf("bucket.name is required")
	}
	if _, err := ParseVisibility(b.Visibility); err != nil {
		return err
	}
	if b.Limits.MaxFileSize < 0 {
		return fmt.Errorf("bucket.limits.max_file_size must be positive")
	}
	if b.Limits.MaxFolderDepth < 1 || b.Limits.MaxFolderDepth > 255 {
		return fmt.Errorf("bucket.limits.max_folder_depth must be between 1 and 255")
	}
	if b.Limits.MaxChildren < 1 || b.Limits.MaxChildren > 65535 {
		return fmt.Errorf("bucket.limits.max_children must be between 1 and 65535")
	}
	if b.Limits.MaxCustomDataSize < 0 || b.Limits.MaxCustomDataSize > 65535 {
		return fmt.Errorf("bucket.limits.max_custom_data_size must be at most 65535 bytes")
	}
	if b.MaxWeakWindow < 0 {
		return fmt.Errorf("bucket.max_weak_window must not be negative")
	}
	for _, role := range [][]string{b.Controllers, b.Managers, b.Auditors} {
		for _, id := range role {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("bucket principals must not be empty")
			}
		}
	}
	return nil
}

// ParseVisibility parses "private" or "public".
func ParseVisibility(s string) (bucket.Visibility, error) {
	switch strings.ToLower(s) {
	case "", "private":
		return bucket.Private, nil
	case "public":
		return bucket.Public, nil
	default:
		return 0, fmt.Errorf("invalid visibility %q: want private or public", s)
	}
}

// SeedState builds the initial bucket state, reading the key files.
func (c *Config) SeedState() (bucket.State, error) {
	b := c.Bucket
	vis, err := ParseVisibility(b.Visibility)
	if err != nil {
		return bucket.State{}, err
	}
	trusted, err := ReadKeyFiles(b.TrustedKeyFiles)
	if err != nil {
		return bucket.State{}, err
	}
	weak, err := ReadKeyFiles(b.WeakKeyFiles)
	if err != nil {
		return bucket.State{}, err
	}
	return bucket.State{
		Name:       b.Name,
		Visibility: vis,
		Status:     store.StatusReadWrite,
		Limits: store.Limits{
			MaxFileSize:       uint64(b.Limits.MaxFileSize),
			MaxFolderDepth:    uint8(b.Limits.MaxFolderDepth),
			MaxChildren:       uint16(b.Limits.MaxChildren),
			MaxCustomDataSize: uint16(b.Limits.MaxCustomDataSize),
			EnableHashIndex:   b.Limits.EnableHashIndex,
			UniqueNames:       b.Limits.UniqueNames == nil || *b.Limits.UniqueNames,
		},
		Roles:         authz.RoleSet{Managers: b.Managers, Auditors: b.Auditors},
		TrustedKeys:   trusted,
		WeakKeys:      weak,
		MaxWeakWindow: b.MaxWeakWindow,
	}, nil
}

// ReadKeyFiles reads public key files into authorized_keys lines.
func ReadKeyFiles(paths []string) ([]string, error) {
	var lines []string
	for _, p := range paths {
		keys, err := token.LoadPublicKeys(p)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			line, err := token.MarshalPublicKey(k)
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		}
	}
	return lines, nil
}
