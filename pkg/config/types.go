package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/mailstack/pkg/telemetry"
)

// Config is a decoded deployment file. Field names follow the CUE source.
type Config struct {
	// Environment names the deployment (production, staging). It scopes
	// persisted state and archived artifacts.
	Environment string `json:"environment" validate:"required,excludes=/"`

	// Project is the backup project name rendered into cron scripts.
	Project string `json:"project" validate:"required"`

	// AssetsDir overrides the embedded scripts and templates.
	AssetsDir string `json:"assetsDir,omitempty"`

	// MaxParallel bounds concurrent node dispatch. Zero is unbounded.
	MaxParallel int `json:"maxParallel" validate:"min=0"`

	// Variables is the Starlark file computing template variables. When
	// empty, a variables.star next to the deployment file is used if present.
	Variables string `json:"variables,omitempty"`

	State     StateConfig     `json:"state"`
	Server    ServerConfig    `json:"server"`
	Backup    BackupConfig    `json:"backup"`
	Mail      MailConfig      `json:"mail"`
	Ntfy      NtfyConfig      `json:"ntfy"`
	Docker    DockerConfig    `json:"docker"`
	Services  ServicesConfig  `json:"services"`
	Secrets   SecretsConfig   `json:"secrets"`
	Hetzner   HetznerConfig   `json:"hetzner"`
	Archive   ArchiveConfig   `json:"archive"`
	Policy    PolicyConfig    `json:"policy"`
	Telemetry TelemetryConfig `json:"telemetry"`

	// Vars holds the output of the variables script, exposed to templates
	// as .vars.
	Vars map[string]any `json:"-"`

	// SourceFiles lists the files the configuration was loaded from.
	SourceFiles []string `json:"-"`
}

// StateConfig locates the trigger database.
type StateConfig struct {
	Path string `json:"path" validate:"required"`
}

// ServerConfig identifies the target host. Either Host or Name is set; a
// Name is resolved to its public addresses through the Hetzner API.
type ServerConfig struct {
	Name string `json:"name,omitempty" validate:"required_without=Host"`
	Host string `json:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port int    `json:"port" validate:"min=1,max=65535"`
	User string `json:"user" validate:"required"`

	// PrivateKeySecret is the secret key holding the SSH private key.
	PrivateKeySecret string `json:"privateKeySecret" validate:"required"`

	// IPv4 and IPv6 override the addresses rendered into Mailcow's config.
	IPv4 string `json:"ipv4,omitempty" validate:"omitempty,ipv4"`
	IPv6 string `json:"ipv6,omitempty" validate:"omitempty,ipv6"`
}

// BackupConfig locates backups in object storage.
type BackupConfig struct {
	BucketID   string `json:"bucketId"`
	BucketPath string `json:"bucketPath"`
}

// MailConfig configures Mailcow.
type MailConfig struct {
	Domain          string   `json:"domain,omitempty" validate:"omitempty,fqdn"`
	DkimSignHeaders []string `json:"dkimSignHeaders"`
	AcmeEmail       string   `json:"acmeEmail,omitempty" validate:"omitempty,email"`
}

// NtfyConfig configures ntfy.
type NtfyConfig struct {
	Domain string `json:"domain,omitempty" validate:"omitempty,fqdn"`
}

// DockerConfig configures the Docker runtime.
type DockerConfig struct {
	// Daemon is a daemon.json asset path replacing the default.
	Daemon string `json:"daemon,omitempty"`
}

// ServicesConfig toggles individual services.
type ServicesConfig struct {
	Docker  bool `json:"docker"`
	Mailcow bool `json:"mailcow"`
	Ntfy    bool `json:"ntfy"`
}

// SecretsConfig selects where credentials are read from.
type SecretsConfig struct {
	Backend string       `json:"backend" validate:"oneof=env vault"`
	Prefix  string       `json:"prefix"`
	Vault   *VaultConfig `json:"vault,omitempty" validate:"required_if=Backend vault"`
}

// VaultConfig configures the Vault KV v2 backend. Token or AppRole
// credentials are required.
type VaultConfig struct {
	Address  string `json:"address" validate:"required,url"`
	Token    string `json:"token,omitempty" validate:"required_without=RoleID"`
	RoleID   string `json:"roleId,omitempty"`
	SecretID string `json:"secretId,omitempty" validate:"required_with=RoleID"`
	Mount    string `json:"mount" validate:"required"`
	Path     string `json:"path" validate:"required"`
}

// HetznerConfig configures server address lookup. An empty token falls back
// to HCLOUD_TOKEN.
type HetznerConfig struct {
	Token string `json:"token,omitempty"`
}

// ArchiveConfig configures the rendered artifact archive.
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint,omitempty" validate:"omitempty,url"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket,omitempty" validate:"required_if=Enabled true"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"accessKey,omitempty" validate:"required_with=SecretKey"`
	SecretKey string `json:"secretKey,omitempty" validate:"required_with=AccessKey"`
}

// PolicyConfig lists directories of additional Rego policies.
type PolicyConfig struct {
	Dirs []string `json:"dirs"`
}

// TelemetryConfig is the deployment-file view of telemetry.Config.
type TelemetryConfig struct {
	LogLevel  string          `json:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string          `json:"logFormat" validate:"oneof=console json"`
	Tracing   TracingSettings `json:"tracing"`
	Metrics   MetricsSettings `json:"metrics"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint,omitempty"`
	SamplingRate float64 `json:"samplingRate" validate:"min=0,max=1"`
	Insecure     bool    `json:"insecure"`
}

// MetricsSettings configures the Prometheus registry.
type MetricsSettings struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listenAddress,omitempty"`
}

// Scope is the key persisted triggers and runs are stored under.
func (c *Config) Scope() string {
	return fmt.Sprintf("%s/%s", c.Environment, c.Project)
}

// TelemetryConfig converts the telemetry section, filling the fields the
// deployment file does not carry from telemetry.DefaultConfig.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	return tc
}

// ValidationError describes one problem in a deployment file.
type ValidationError struct {
	// File, Line and Column locate CUE errors. Struct validation errors only
	// carry a Path.
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the dotted field path, e.g. server.port.
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned by Load when the file is well-formed but
// does not describe a valid deployment.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return fmt.Sprintf("invalid configuration:\n  %s", strings.Join(lines, "\n  "))
}
