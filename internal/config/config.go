// Package config loads server configuration from the environment, with an
// optional YAML file underneath. Environment variables always win.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultVMImage is the OCI artifact VM kernels and root filesystems
	// are pulled from when VM_IMAGE is unset.
	DefaultVMImage = "ghcr.io/anthropics/octobot-vm:latest"

	// DefaultDinDImage is the docker-in-docker image backing project
	// daemons on Linux when DIND_IMAGE is unset.
	DefaultDinDImage = "docker:28-dind"
)

// Config holds all configuration for the server.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Authentication for the management API. When enabled, requests must
	// carry a bearer token that verifies against OctobotSecret.
	AuthEnabled bool
	// OctobotSecret is the salted hash the bearer token is verified
	// against, in hex(salt):hex(sha256(salt||secret)) form.
	OctobotSecret string

	// EncryptionKey is the 32-byte AES-256-GCM key for credentials at rest.
	EncryptionKey []byte

	// OAuth client IDs for the provider credential flows. The defaults
	// are the providers' public desktop-app client IDs.
	AnthropicClientID string
	CodexClientID     string

	// Sandbox settings
	SandboxImage    string // image every session sandbox runs; required
	SandboxProvider string // "auto", "docker", "vm", or "local"
	DockerHost      string // optional; empty means probe common locations

	// VM provider: one VM per project, each hosting a nested Docker
	// daemon. Boot artifacts (kernel, root filesystem) are pulled from
	// VMImage unless explicit paths are configured.
	VMImage        string // OCI artifact carrying kernel + root filesystem
	VMKernelPath   string // local kernel image; skips the VMImage download
	VMBaseDiskPath string // local squashfs root; skips the VMImage download
	VMMemoryMB     int    // guest memory in MB; 0 means half of host RAM
	VMCPUCount     int    // guest vCPUs; 0 means host CPU count
	VMDataDiskGB   int    // per-project writable disk size
	DinDImage      string // docker-in-docker image backing project daemons on Linux

	// SessionBaseDir is where per-session persistence lives: workspace
	// clones, VM disks, local-provider session dirs.
	SessionBaseDir string

	// IdleTimeout is the VM idle reaper window. Zero disables reaping.
	IdleTimeout time.Duration

	// Local provider: the agent binary run directly on the host.
	AgentCommand string
	AgentArgs    []string
	AgentCwd     string

	// SSHAddr is the listen address for SSH terminal routing. Empty
	// disables the SSH server.
	SSHAddr string

	// DebugDockerPort exposes the default project's sandbox Docker daemon
	// on localhost, so `DOCKER_HOST=tcp://localhost:<port> docker ps`
	// works against it. Zero disables the proxy.
	DebugDockerPort int

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
	// LogFile redirects stdout/stderr into the named file. Empty logs to
	// the terminal. Used when the server runs detached from one.
	LogFile string

	// ConfigFile is the YAML file this config was layered over, if any.
	// Watch re-reads it on change.
	ConfigFile string
}

// fileConfig mirrors the settings a YAML config file may carry. Only a
// subset of the surface is file-configurable; secrets stay in the
// environment.
type fileConfig struct {
	Port            int      `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	DatabaseDSN     string   `yaml:"database_dsn"`
	SandboxImage    string   `yaml:"sandbox_image"`
	SandboxProvider string   `yaml:"sandbox_provider"`
	DockerHost      string   `yaml:"docker_host"`
	VMImage         string   `yaml:"vm_image"`
	VMKernelPath    string   `yaml:"vm_kernel_path"`
	VMBaseDiskPath  string   `yaml:"vm_base_disk_path"`
	VMMemoryMB      int      `yaml:"vm_memory_mb"`
	VMCPUCount      int      `yaml:"vm_cpu_count"`
	VMDataDiskGB    int      `yaml:"vm_data_disk_gb"`
	DinDImage       string   `yaml:"dind_image"`
	SessionBaseDir  string   `yaml:"session_base_dir"`
	IdleTimeout     string   `yaml:"idle_timeout"`
	AgentCommand    string   `yaml:"agent_command"`
	AgentArgs       []string `yaml:"agent_args"`
	AgentCwd        string   `yaml:"agent_cwd"`
	SSHAddr         string   `yaml:"ssh_addr"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	LogFile         string   `yaml:"log_file"`
}

// Load reads configuration from the optional YAML file named by
// CONFIG_FILE, then overlays environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	path := getEnv("CONFIG_FILE", "")
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	// Server
	cfg.Port = getEnvInt("PORT", defaultInt(cfg.Port, 8080))
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", defaultList(cfg.CORSOrigins, []string{"http://localhost:3000"}))

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", defaultStr(cfg.DatabaseDSN, "sqlite3://./octobot.db"))
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Authentication - defaults to disabled (anonymous mode)
	cfg.AuthEnabled = getEnvBool("AUTH_ENABLED", false)
	cfg.OctobotSecret = getEnv("OCTOBOT_SECRET", "")
	if cfg.AuthEnabled && cfg.OctobotSecret == "" {
		return nil, fmt.Errorf("OCTOBOT_SECRET is required when AUTH_ENABLED=true")
	}

	// Encryption key (32 bytes for AES-256-GCM)
	encryptionKeyStr := getEnv("ENCRYPTION_KEY", "")
	if encryptionKeyStr == "" {
		if cfg.AuthEnabled {
			return nil, fmt.Errorf("ENCRYPTION_KEY is required when AUTH_ENABLED=true (32 bytes, hex encoded)")
		}
		// Dev default: credentials are still encrypted but the key isn't secret.
		encryptionKeyStr = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	}
	encryptionKey, err := hex.DecodeString(encryptionKeyStr)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes (64 hex chars), got %d bytes", len(encryptionKey))
	}
	cfg.EncryptionKey = encryptionKey

	cfg.AnthropicClientID = getEnv("ANTHROPIC_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e")
	cfg.CodexClientID = getEnv("CODEX_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann")

	// Sandbox
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", cfg.SandboxImage)
	if cfg.SandboxImage == "" {
		return nil, fmt.Errorf("SANDBOX_IMAGE is required")
	}
	cfg.SandboxProvider = getEnv("SANDBOX_PROVIDER", defaultStr(cfg.SandboxProvider, "auto"))
	switch cfg.SandboxProvider {
	case "auto", "docker", "vm", "local":
	default:
		return nil, fmt.Errorf("unsupported SANDBOX_PROVIDER: %s", cfg.SandboxProvider)
	}
	cfg.DockerHost = getEnv("DOCKER_HOST", cfg.DockerHost)

	// VM provider
	cfg.VMImage = getEnv("VM_IMAGE", defaultStr(cfg.VMImage, DefaultVMImage))
	cfg.VMKernelPath = getEnv("VM_KERNEL_PATH", cfg.VMKernelPath)
	cfg.VMBaseDiskPath = getEnv("VM_BASE_DISK_PATH", cfg.VMBaseDiskPath)
	cfg.VMMemoryMB = getEnvInt("VM_MEMORY_MB", cfg.VMMemoryMB)
	cfg.VMCPUCount = getEnvInt("VM_CPU_COUNT", cfg.VMCPUCount)
	cfg.VMDataDiskGB = getEnvInt("VM_DATA_DISK_GB", defaultInt(cfg.VMDataDiskGB, 40))
	cfg.DinDImage = getEnv("DIND_IMAGE", defaultStr(cfg.DinDImage, DefaultDinDImage))

	cfg.SessionBaseDir = getEnv("SESSION_BASE_DIR", defaultStr(cfg.SessionBaseDir, filepath.Join(xdg.DataHome, "octobot")))

	idleDefault := 30 * time.Minute
	if cfg.IdleTimeout != 0 {
		idleDefault = cfg.IdleTimeout
	}
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", idleDefault)

	// Local provider
	cfg.AgentCommand = getEnv("AGENT_COMMAND", cfg.AgentCommand)
	if args := getEnv("AGENT_ARGS", ""); args != "" {
		cfg.AgentArgs = strings.Fields(args)
	}
	cfg.AgentCwd = getEnv("AGENT_CWD", cfg.AgentCwd)

	cfg.SSHAddr = getEnv("SSH_ADDR", cfg.SSHAddr)
	cfg.DebugDockerPort = getEnvInt("DEBUG_DOCKER_PORT", 0)

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", defaultStr(cfg.LogLevel, "info"))
	cfg.LogFormat = getEnv("LOG_FORMAT", defaultStr(cfg.LogFormat, "console"))
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg, nil
}

// applyFile layers a YAML config file into cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	c.Port = fc.Port
	c.CORSOrigins = fc.CORSOrigins
	c.DatabaseDSN = fc.DatabaseDSN
	c.SandboxImage = fc.SandboxImage
	c.SandboxProvider = fc.SandboxProvider
	c.DockerHost = fc.DockerHost
	c.VMImage = fc.VMImage
	c.VMKernelPath = fc.VMKernelPath
	c.VMBaseDiskPath = fc.VMBaseDiskPath
	c.VMMemoryMB = fc.VMMemoryMB
	c.VMCPUCount = fc.VMCPUCount
	c.VMDataDiskGB = fc.VMDataDiskGB
	c.DinDImage = fc.DinDImage
	c.SessionBaseDir = fc.SessionBaseDir
	c.AgentCommand = fc.AgentCommand
	c.AgentArgs = fc.AgentArgs
	c.AgentCwd = fc.AgentCwd
	c.SSHAddr = fc.SSHAddr
	c.LogLevel = fc.LogLevel
	c.LogFormat = fc.LogFormat
	c.LogFile = fc.LogFile
	if fc.IdleTimeout != "" {
		d, err := time.ParseDuration(fc.IdleTimeout)
		if err != nil {
			return fmt.Errorf("parse idle_timeout: %w", err)
		}
		c.IdleTimeout = d
	}
	return nil
}

// WorkspacesDir returns the directory workspace clones live under.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.SessionBaseDir, "workspaces")
}

// VMDataDir returns the directory VM disks and downloaded boot artifacts
// live under.
func (c *Config) VMDataDir() string {
	return filepath.Join(c.SessionBaseDir, "vm")
}

// VMConsoleLogDir returns the directory VM console logs are written under,
// one project-<id>/console.log per VM.
func (c *Config) VMConsoleLogDir() string {
	return filepath.Join(xdg.StateHome, "octobot", "vm")
}

// detectDriver determines the database driver from the DSN.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from the DSN for database/sql.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func defaultList(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
