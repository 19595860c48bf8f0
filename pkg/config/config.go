package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/sshkey"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
	sshtransport "github.com/openfroyo/dokkusync/pkg/transports/ssh"
)

// Transport names.
const (
	TransportExec = "exec"
	TransportSSH  = "ssh"
)

// Config is the tool configuration.
type Config struct {
	// Host is the platform host, empty for a local platform.
	Host string `yaml:"host" validate:"omitempty,hostname_rfc1123|ip"`

	// Port is the SSH port, the client default when zero.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// User is the remote login and therefore the remote identity.
	User string `yaml:"user" validate:"required"`

	Transport             string   `yaml:"transport" validate:"oneof=exec ssh"`
	SSHCommand            []string `yaml:"ssh_command" validate:"required,min=1,dive,required"`
	IdentityFile          string   `yaml:"identity_file"`
	KnownHosts            string   `yaml:"known_hosts"`
	StrictHostKeyChecking bool     `yaml:"strict_host_key_checking"`

	// Tool is argv[0] of management commands.
	Tool string `yaml:"tool" validate:"required"`

	AdminIdentities []string `yaml:"admin_identities" validate:"dive,required"`
	ServiceAccount  string   `yaml:"service_account" validate:"required"`
	Superusers      []string `yaml:"superusers" validate:"dive,required"`

	KeyInspector string        `yaml:"key_inspector" validate:"oneof=native ssh-keygen"`
	KeyTimeout   time.Duration `yaml:"key_timeout" validate:"min=0"`

	Log         LogConfig     `yaml:"log"`
	MetricsFile string        `yaml:"metrics_file"`
	Tracing     TracingConfig `yaml:"tracing"`

	// Journal is the SQLite apply journal, none when empty.
	Journal string `yaml:"journal"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		User:                  "dokku",
		Transport:             TransportExec,
		SSHCommand:            []string{"ssh"},
		StrictHostKeyChecking: true,
		Tool:                  "dokku",
		AdminIdentities:       []string{"root", "dokku"},
		ServiceAccount:        "dokku",
		Superusers:            []string{"root"},
		KeyInspector:          "native",
		KeyTimeout:            sshkey.DefaultTimeout,
		Log:                   LogConfig{Level: "info", Format: "console"},
		Tracing:               TracingConfig{Exporter: "none", Insecure: true},
	}
}

// Load reads and validates the file at path. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Transport == TransportSSH && c.Host == "" {
		return fmt.Errorf("the ssh transport requires a host")
	}
	return nil
}

// Remote reports whether the platform is on another machine.
func (c *Config) Remote() bool {
	return c.Host != ""
}

// Native reports whether commands travel over the built-in SSH client.
func (c *Config) Native() bool {
	return c.Remote() && c.Transport == TransportSSH
}

// TransportPrefix returns the external client argv that carries remote
// commands, nil for local runs and the native transport.
func (c *Config) TransportPrefix() []string {
	if !c.Remote() || c.Native() {
		return nil
	}
	prefix := append([]string(nil), c.SSHCommand...)
	if c.Port != 0 {
		prefix = append(prefix, "-p", strconv.Itoa(c.Port))
	}
	if c.IdentityFile != "" {
		prefix = append(prefix, "-i", expandHome(c.IdentityFile))
	}
	return append(prefix, c.User+"@"+c.Host)
}

// ExecutionContext builds the resolver context for a run by localIdentity.
func (c *Config) ExecutionContext(localIdentity string) *execctx.Context {
	ectx := &execctx.Context{
		Remote:          c.Remote(),
		LocalIdentity:   localIdentity,
		TransportPrefix: c.TransportPrefix(),
		Tool:            c.Tool,
		AdminIdentities: append([]string(nil), c.AdminIdentities...),
		ServiceAccount:  c.ServiceAccount,
		Superusers:      append([]string(nil), c.Superusers...),
	}
	if ectx.Remote {
		ectx.RemoteIdentity = c.User
	}
	return ectx
}

// SSHConfig returns the native transport settings.
func (c *Config) SSHConfig() *sshtransport.Config {
	sc := sshtransport.DefaultConfig(c.Host, c.User)
	if c.Port != 0 {
		sc.Port = c.Port
	}
	if c.IdentityFile != "" {
		sc.IdentityFiles = []string{expandHome(c.IdentityFile)}
	}
	if c.KnownHosts != "" {
		sc.KnownHostsPath = expandHome(c.KnownHosts)
	}
	sc.StrictHostKeyChecking = c.StrictHostKeyChecking
	return sc
}

// Inspector returns the configured public key inspector.
func (c *Config) Inspector() (sshkey.Inspector, error) {
	return sshkey.NewInspector(c.KeyInspector, c.KeyTimeout)
}

// Telemetry returns the telemetry settings.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Log.Level
	tc.Logging.Format = c.Log.Format
	tc.Metrics.Enabled = c.MetricsFile != ""
	tc.Metrics.TextfilePath = c.MetricsFile
	tc.Tracing.Enabled = c.Tracing.Exporter != "none"
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.Insecure = c.Tracing.Insecure
	return tc
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + "/" + rest
}
