package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/engine"
	"github.com/xerilium/catalyst/internal/events"
	"github.com/xerilium/catalyst/internal/lock"
	"github.com/xerilium/catalyst/internal/logger"
	"github.com/xerilium/catalyst/internal/metrics"
	"github.com/xerilium/catalyst/internal/state"
	"github.com/xerilium/catalyst/internal/tracing"
	catalyst "github.com/xerilium/catalyst/pkg/catalyst/v1"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

const (
	DefaultEventBusSize = 256
	shutdownTimeout     = 5 * time.Second
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	runsDir    string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "catalyst",
		Short: "Run playbooks of ordered steps with locks, resumable state and error policies",
		Long: `catalyst executes playbooks: ordered lists of steps, each dispatched to an
action. Runs hold advisory locks on the paths and branches they touch, persist
their state after every step so they can be resumed, and mask secrets
everywhere they are surfaced.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(fmt.Sprintf("catalyst version {{.Version}}\ncommit: %s\nbuilt: %s\ngo version: %s\nos/arch: %s/%s\n",
		commit, buildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH))

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "settings file (default $XDG_CONFIG_HOME/catalyst/config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&opts.runsDir, "runs-dir", "", "directory holding run state (overrides settings)")

	root.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newValidateCmd(opts),
		newRunsCmd(opts),
		newLocksCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// settings loads the runner settings and applies flag overrides.
func (o *globalOptions) settings() (*config.Settings, error) {
	s, err := config.LoadSettings(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		s.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		s.LogFormat = o.logFormat
	}
	if o.runsDir != "" {
		s.RunsDir = o.runsDir
		s.LocksDir = o.runsDir + "/locks"
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// env is the wiring shared by the commands: settings, logger, stores and,
// for commands that execute playbooks, the engine.
type env struct {
	settings *config.Settings
	log      catlog.Logger
	store    *state.FileStore
	locks    *lock.Manager
	metrics  *metrics.PrometheusRegistryProvider
}

func (o *globalOptions) newEnv() (*env, error) {
	s, err := o.settings()
	if err != nil {
		return nil, withExit(ExitUsageError, err)
	}
	log := logger.NewLogger(s.LogLevel, s.LogFormat, o.stderr).With("catalyst_version", version)
	e := &env{
		settings: s,
		log:      log,
		store:    state.NewFileStore(s.RunsDir, log),
		locks:    lock.NewManager(s.LocksDir, log, lock.WithDefaultTTL(s.LockTTL)),
		metrics:  metrics.NewPrometheusRegistryProvider(),
	}
	log.Debugf("Runs directory: %s, locks directory: %s", s.RunsDir, s.LocksDir)
	return e, nil
}

// runner is an engine plus the event and tracing plumbing that must be shut
// down with it.
type runner struct {
	engine *engine.Engine
	bus    *events.ChannelEventBus
	tracer *tracing.OtelTracerProvider
	cancel context.CancelFunc
	log    catlog.Logger
}

func (e *env) newRunner(ctx context.Context) (*runner, error) {
	bus := events.NewChannelEventBus(DefaultEventBusSize, e.log)
	tracer := tracing.NewProviderFromEnv(ctx, e.log)

	eng, err := engine.NewEngine(e.log,
		catalyst.WithStateStore(e.store),
		catalyst.WithLockManager(e.locks),
		catalyst.WithEventBus(bus),
		catalyst.WithMetricsRegistryProvider(e.metrics),
		catalyst.WithTracerProvider(tracer),
		catalyst.WithDefaultErrorPolicy(e.settings.DefaultPolicy()),
		catalyst.WithLockHolder(e.settings.Holder),
		catalyst.WithLockTTL(e.settings.LockTTL),
	)
	if err != nil {
		bus.Close()
		return nil, withExit(ExitUsageError, err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c := eng.Collectors(); c != nil {
		go events.NewMetricsEventListener(bus, c, e.log).Start(listenCtx)
	}
	return &runner{engine: eng, bus: bus, tracer: tracer, cancel: cancel, log: e.log}, nil
}

func (r *runner) Close() {
	r.cancel()
	r.bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.log.Warnf("Error shutting down tracer provider: %v", err)
	}
}
