package commands

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/openfroyo/dokkusync/pkg/config"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/plugins"
	"github.com/openfroyo/dokkusync/pkg/runner"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
	sshtransport "github.com/openfroyo/dokkusync/pkg/transports/ssh"
)

const shutdownTimeout = 10 * time.Second

// dialFunc opens the runner for cfg, and the direct file access it
// offers, if any. The close function releases the connection.
type dialFunc func(ctx context.Context, cfg *config.Config) (runner.Runner, host.FileAccess, func() error, error)

// dial is replaced in tests.
var dial dialFunc = dialHost

func dialHost(ctx context.Context, cfg *config.Config) (runner.Runner, host.FileAccess, func() error, error) {
	if !cfg.Native() {
		return runner.NewLocalRunner(), nil, func() error { return nil }, nil
	}
	client, err := sshtransport.NewSSHClient(cfg.SSHConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	return client, client, client.Disconnect, nil
}

// localIdentity is replaced in tests.
var localIdentity = func() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to determine local user: %w", err)
	}
	return u.Username, nil
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.user != "" {
		cfg.User = o.user
	}
	if o.transport != "" {
		cfg.Transport = o.transport
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if o.metricsFile != "" {
		cfg.MetricsFile = o.metricsFile
	}
	if o.traceExporter != "" {
		cfg.Tracing.Exporter = o.traceExporter
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewUsageError("invalid configuration", err)
	}
	return cfg, nil
}

// environment is everything a host-facing command needs.
type environment struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	registry *engine.Registry
	session  *host.Session
	driver   *engine.Driver
	closeFn  func() error
}

// open loads the configuration, starts telemetry and connects to the host.
func (o *rootOptions) open(ctx context.Context) (*environment, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cfg.Telemetry(o.version))
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	env := &environment{cfg: cfg, tel: tel, closeFn: func() error { return nil }}
	if err := env.connect(ctx); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	return env, nil
}

func (e *environment) connect(ctx context.Context) error {
	inspector, err := e.cfg.Inspector()
	if err != nil {
		return engine.NewUsageError("invalid key inspector", err)
	}
	e.registry, err = plugins.Default(inspector)
	if err != nil {
		return err
	}

	identity, err := localIdentity()
	if err != nil {
		return err
	}
	ectx := e.cfg.ExecutionContext(identity)

	r, files, closeFn, err := dial(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", e.cfg.Host, err)
	}
	e.closeFn = closeFn

	e.session, err = host.NewSession(host.Options{
		Context: ectx,
		Runner:  r,
		Files:   files,
		Logger:  e.tel.Logger,
		Tracer:  e.tel.Tracer,
		Metrics: e.tel.Metrics,
	})
	if err != nil {
		return err
	}
	e.driver = engine.NewDriver(e.registry, e.tel)

	e.tel.Logger.Zerolog().Debug().
		Str("host", e.cfg.Host).
		Str("identity", identity).
		Str("case", ectx.Case().String()).
		Msg("session ready")
	return nil
}

// Close disconnects and flushes telemetry.
func (e *environment) Close(ctx context.Context) error {
	return errors.Join(e.closeFn(), e.tel.Shutdown(ctx))
}

// withEnvironment opens the environment, runs fn and closes it again, even
// when the command context was cancelled.
func (o *rootOptions) withEnvironment(ctx context.Context, fn func(env *environment) error) (err error) {
	env, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := env.Close(shutdownCtx); cerr != nil {
			env.tel.Logger.WithError(cerr).Warn("failed to shut down cleanly")
		}
	}()
	return fn(env)
}
