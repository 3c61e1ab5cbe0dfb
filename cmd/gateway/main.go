// Command sentry-gateway is the process entry point: a cobra CLI with
// start/stop/status/restart/ensure/logs subcommands wrapping the C12 boot
// sequence and a pidfile so the gateway can be supervised like any other
// long-running daemon.
//
// Grounded on the teacher's cmd/cobra_cli.go for the rootCmd/viper
// wiring shape and internal/delivery/server/bootstrap/server.go's
// serveUntilSignal for the start subcommand's signal-handling and
// graceful-shutdown sequence. The pidfile-backed stop/status/restart/
// ensure subcommands have no direct teacher counterpart (the teacher's
// own CLI is an interactive TUI, not a process supervisor) and follow
// ordinary Go daemon conventions instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sable-systems/sentry/internal/async"
	"github.com/sable-systems/sentry/internal/lifecycle"
	"github.com/sable-systems/sentry/internal/logging"
	"github.com/sable-systems/sentry/internal/mcp"
	"github.com/sable-systems/sentry/internal/observability"
	"github.com/sable-systems/sentry/internal/provider"
	"github.com/sable-systems/sentry/internal/toolregistry"
)

// Exit codes distinguish why a non-interactive caller (systemd, a CI
// smoke test) should treat a failure as retryable or not.
const (
	exitOK                = 0
	exitConfigError       = 2
	exitPortInUse         = 3
	exitDependencyMissing = 4
	exitTimeout           = 5
	exitProcessNotFound   = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if ce, ok := err.(*exitError); ok {
			fmt.Fprintln(os.Stderr, ce.Error())
			return ce.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	return exitOK
}

// exitError carries a specific exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sentry-gateway",
		Short: "OpenAI-compatible gateway with an agent plane, MCP tools, and a tempo-gated scheduler",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to sentry-gateway.yaml (default: $HOME or .)")

	root.AddCommand(newStartCommand(&configPath))
	root.AddCommand(newStopCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newRestartCommand(&configPath))
	root.AddCommand(newEnsureCommand(&configPath))
	root.AddCommand(newLogsCommand(&configPath))
	return root
}

// loadSettings reads sentry-gateway.yaml via viper (following the
// teacher's SetConfigName/AddConfigPath shape) and a .env file for
// secrets, then converts them into lifecycle.Settings.
func loadSettings(configPath string) (lifecycle.Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sentry-gateway")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("SENTRY")
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("environment", "development")
	v.SetDefault("max_concurrency", 0)
	v.SetDefault("model_cache_ttl", "600s")
	v.SetDefault("fallback_model", "native-local:default")
	v.SetDefault("mcp_spawn_limit", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return lifecycle.Settings{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cacheTTL, err := time.ParseDuration(v.GetString("model_cache_ttl"))
	if err != nil {
		return lifecycle.Settings{}, fmt.Errorf("parse model_cache_ttl: %w", err)
	}
	var httpTimeout time.Duration
	if raw := v.GetString("http_timeout"); raw != "" {
		httpTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return lifecycle.Settings{}, fmt.Errorf("parse http_timeout: %w", err)
		}
	}

	settings := lifecycle.Settings{
		DataDir:           v.GetString("data_dir"),
		ListenAddr:        v.GetString("listen_addr"),
		Environment:       v.GetString("environment"),
		AuthToken:         v.GetString("auth_token"),
		AllowedOrigins:    v.GetStringSlice("allowed_origins"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		MaxConcurrency:    v.GetInt("max_concurrency"),
		ModelCacheTTL:     cacheTTL,
		HTTPTimeout:       httpTimeout,
		FallbackModel:     v.GetString("fallback_model"),
		ClassifierModel:   v.GetString("classifier_model"),
		InternetProbeURL:  v.GetString("internet_probe_url"),
		MCPSpawnLimit:     v.GetInt64("mcp_spawn_limit"),
		DefaultModelAlias: v.GetStringMapString("default_model_alias"),
		NativeLocal: provider.NativeLocalConfig{
			Name:    "native-local",
			BaseURL: v.GetString("native_local.base_url"),
		},
	}

	var providerEntries map[string]struct {
		BaseURL   string `mapstructure:"base_url"`
		AuthToken string `mapstructure:"auth_token"`
	}
	if err := v.UnmarshalKey("providers", &providerEntries); err != nil {
		return lifecycle.Settings{}, fmt.Errorf("parse providers: %w", err)
	}
	if len(providerEntries) > 0 {
		settings.Providers = make(map[string]lifecycle.ProviderSettings, len(providerEntries))
		for name, e := range providerEntries {
			settings.Providers[name] = lifecycle.ProviderSettings{Prefix: name, BaseURL: e.BaseURL, AuthToken: e.AuthToken}
		}
	}

	var mcpEntries []struct {
		Name      string            `mapstructure:"name"`
		Transport string            `mapstructure:"transport"`
		Command   string            `mapstructure:"command"`
		Args      []string          `mapstructure:"args"`
		URL       string            `mapstructure:"url"`
		Enabled   bool              `mapstructure:"enabled"`
		Env       map[string]string `mapstructure:"env"`
	}
	if err := v.UnmarshalKey("mcp_servers", &mcpEntries); err != nil {
		return lifecycle.Settings{}, fmt.Errorf("parse mcp_servers: %w", err)
	}
	for _, e := range mcpEntries {
		desc := mcp.ServerDescriptor{
			Name:      e.Name,
			Transport: mcp.Transport(e.Transport),
			Command:   e.Command,
			Args:      e.Args,
			Env:       e.Env,
			URL:       e.URL,
			Enabled:   e.Enabled,
		}
		// Per-server token via MCP_TOKEN_<UPPERCASE_NAME>, so secrets stay
		// in the environment/.env instead of the yaml config.
		if tok := os.Getenv("MCP_TOKEN_" + strings.ToUpper(strings.ReplaceAll(e.Name, "-", "_"))); tok != "" {
			desc.Token = tok
		}
		settings.MCPServers = append(settings.MCPServers, desc)
	}

	var triggerEntries []struct {
		Pattern    string         `mapstructure:"pattern"`
		MatchKind  string         `mapstructure:"match_kind"`
		ActionKind string         `mapstructure:"action_kind"`
		Payload    map[string]any `mapstructure:"payload"`
	}
	if err := v.UnmarshalKey("sovereign_triggers", &triggerEntries); err != nil {
		return lifecycle.Settings{}, fmt.Errorf("parse sovereign_triggers: %w", err)
	}
	for _, e := range triggerEntries {
		settings.Triggers = append(settings.Triggers, toolregistry.SovereignTrigger{
			Pattern:       e.Pattern,
			MatchKind:     toolregistry.MatchKind(e.MatchKind),
			ActionKind:    toolregistry.ActionKind(e.ActionKind),
			ActionPayload: e.Payload,
		})
	}

	for _, f := range v.GetStringSlice("config_files") {
		settings.ConfigFiles = append(settings.ConfigFiles, lifecycle.ConfigFileRef{Path: f})
	}
	for _, f := range v.GetStringSlice("secret_files") {
		settings.ConfigFiles = append(settings.ConfigFiles, lifecycle.ConfigFileRef{Path: f, Secret: true})
	}

	return settings, nil
}

func pidFilePath(settings lifecycle.Settings) string {
	return filepath.Join(settings.DataDir, "sentry-gateway.pid")
}

func logFilePath(settings lifecycle.Settings) string {
	return filepath.Join(settings.DataDir, "sentry-gateway.log")
}

func writePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 probe convention (no actual signal delivered).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// daemonize re-execs the current binary with --foreground in a detached
// session, its own process group, and output redirected to the gateway
// log file, then returns immediately so `start` behaves like a
// traditional daemon launcher.
func daemonize(cmd *cobra.Command, settings lifecycle.Settings) error {
	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	logFile, err := os.OpenFile(logFilePath(settings), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	defer logFile.Close()

	args := append(append([]string{}, os.Args[1:]...), "--foreground")
	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return &exitError{code: exitDependencyMissing, err: fmt.Errorf("spawn daemon: %w", err)}
	}
	fmt.Printf("started (pid %d)\n", child.Process.Pid)
	return nil
}

func newStartCommand(configPath *string) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Boot every subsystem and serve until a shutdown signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return &exitError{code: exitConfigError, err: err}
			}

			if pid, err := readPidFile(pidFilePath(settings)); err == nil && processAlive(pid) {
				return &exitError{code: exitDependencyMissing, err: fmt.Errorf("already running as pid %d", pid)}
			}

			if !foreground {
				// Re-exec detached so `start` returns immediately to the shell,
				// matching the pidfile-daemon contract stop/status/restart rely on.
				return daemonize(cmd, settings)
			}

			logger := logging.New(logging.Config{Level: settings.LogLevel, Format: settings.LogFormat})

			telemetry, err := observability.NewTelemetry()
			if err != nil {
				return &exitError{code: exitDependencyMissing, err: fmt.Errorf("telemetry init: %w", err)}
			}
			settings.Exporter = telemetry.Exporter
			settings.PromGatherer = telemetry.Gatherer()
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				_ = telemetry.Shutdown(flushCtx)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			rt, err := lifecycle.Boot(ctx, settings, logger)
			cancel()
			if err != nil {
				return &exitError{code: exitDependencyMissing, err: fmt.Errorf("boot failed: %w", err)}
			}

			if err := writePidFile(pidFilePath(settings), os.Getpid()); err != nil {
				logger.Warn("could not write pidfile: %v", err)
			}
			defer os.Remove(pidFilePath(settings))

			return serveUntilSignal(rt, logger)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the current process instead of detaching")
	return cmd
}

// serveUntilSignal blocks on the HTTP listener, following the teacher's
// bootstrap.serveUntilSignal shape: listen in a goroutine, select on the
// listener's error channel or SIGINT/SIGTERM, then drain every subsystem
// with a bounded timeout.
func serveUntilSignal(rt *lifecycle.Runtime, logger logging.Logger) error {
	errCh := make(chan error, 1)
	async.Go(logger, "gateway.listen", func() {
		errCh <- rt.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			if isAddrInUse(err) {
				return &exitError{code: exitPortInUse, err: err}
			}
			return &exitError{code: exitDependencyMissing, err: err}
		}
		return nil
	case <-quit:
		logger.Info("shutdown signal received, draining subsystems")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if errs := rt.Shutdown(ctx, 10*time.Second); len(errs) > 0 {
			logger.Warn("shutdown completed with errors: %v", errs)
		}
		<-errCh
		logger.Info("gateway stopped")
		return nil
	}
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "bind: permission denied")
}

func newStopCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running gateway to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return &exitError{code: exitConfigError, err: err}
			}
			pid, err := readPidFile(pidFilePath(settings))
			if err != nil {
				return &exitError{code: exitProcessNotFound, err: fmt.Errorf("no pidfile: %w", err)}
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return &exitError{code: exitProcessNotFound, err: err}
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return &exitError{code: exitProcessNotFound, err: err}
			}
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				if !processAlive(pid) {
					os.Remove(pidFilePath(settings))
					fmt.Println("stopped")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return &exitError{code: exitTimeout, err: fmt.Errorf("pid %d did not exit within timeout", pid)}
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return &exitError{code: exitConfigError, err: err}
			}
			pid, err := readPidFile(pidFilePath(settings))
			if err != nil || !processAlive(pid) {
				fmt.Println("stopped")
				return &exitError{code: exitProcessNotFound, err: fmt.Errorf("not running")}
			}
			fmt.Printf("running (pid %d)\n", pid)
			return nil
		},
	}
}

func newRestartCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := newStopCommand(configPath)
			if err := stop.RunE(cmd, args); err != nil {
				if ce, ok := err.(*exitError); !ok || ce.code != exitProcessNotFound {
					return err
				}
			}
			return newStartCommand(configPath).RunE(cmd, args)
		},
	}
}

func newEnsureCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Start the gateway only if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return &exitError{code: exitConfigError, err: err}
			}
			if pid, err := readPidFile(pidFilePath(settings)); err == nil && processAlive(pid) {
				fmt.Printf("already running (pid %d)\n", pid)
				return nil
			}
			return newStartCommand(configPath).RunE(cmd, args)
		},
	}
}

func newLogsCommand(configPath *string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the gateway's log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return &exitError{code: exitConfigError, err: err}
			}
			data, err := os.ReadFile(logFilePath(settings))
			if err != nil {
				return &exitError{code: exitProcessNotFound, err: err}
			}
			fmt.Print(string(data))
			if follow {
				fmt.Fprintln(os.Stderr, "note: --follow is not implemented for the file-backed logger; re-run without it to re-read the file")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the log file (unsupported; prints a note instead)")
	return cmd
}
