package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/luvoctl/internal/ble"
	"github.com/chaz8081/luvoctl/internal/config"
	"github.com/chaz8081/luvoctl/internal/lamp"
	"github.com/chaz8081/luvoctl/internal/logging"
)

// app carries the persistent flags and the loaded config to subcommands.
type app struct {
	configPath string
	address    string
	logLevel   string
	logFormat  string
	timeout    time.Duration
	tries      int

	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "luvoctl",
		Short:         "luvoctl controls Bluetooth LE scene lamps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/luvoctl/config.yaml)")
	pf.StringVarP(&a.address, "address", "a", "", "lamp address; overrides lamp.address")
	pf.StringVarP(&a.logLevel, "log-level", "l", "", "log level (debug, info, warn, error); overrides log_level")
	pf.StringVar(&a.logFormat, "log-format", "", "log format (text, json); overrides log_format")
	pf.DurationVarP(&a.timeout, "timeout", "t", 30*time.Second, "timeout for one-shot commands")
	pf.IntVarP(&a.tries, "tries", "r", 0, "connection attempts; overrides ble.connect_tries")

	root.AddCommand(
		a.onCmd(),
		a.offCmd(),
		a.sceneCmd(),
		a.colorCmd(),
		a.tempCmd(),
		a.brightnessCmd(),
		a.scenesCmd(),
		a.currentCmd(),
		a.serveCmd(),
		initConfigCmd(),
	)
	return root
}

// setup loads the config, applies flag overrides and installs the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Lamp.Address = a.address
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if flags.Changed("tries") {
		cfg.BLE.ConnectTries = a.tries
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(logging.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, os.Stderr))
	a.cfg = cfg
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// openLamp builds the lamp session from the config. It does not connect.
func (a *app) openLamp() (*lamp.Lamp, error) {
	cfg := a.cfg
	if cfg.Lamp.Address == "" {
		return nil, fmt.Errorf("no lamp address: set lamp.address in the config or pass --address")
	}

	link, err := ble.NewLink(ble.NewTinyGoAdapter(), cfg.Lamp.Address, ble.LinkOptions{
		ServiceUUID:    cfg.Lamp.ServiceUUID,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		ConnectTries:   cfg.BLE.ConnectTries,
		ReconnectMax:   cfg.BLE.ReconnectMax,
	})
	if err != nil {
		return nil, err
	}

	opts := lamp.DefaultOptions()
	opts.WithResponse = cfg.Lamp.WriteWithResponse
	opts.PageTimeout = cfg.Scenes.PageTimeout
	return lamp.New(link, opts), nil
}

// withLamp runs fn against a fresh lamp session under the one-shot timeout.
func (a *app) withLamp(cmd *cobra.Command, fn func(ctx context.Context, l *lamp.Lamp) error) error {
	l, err := a.openLamp()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	return fn(ctx, l)
}
