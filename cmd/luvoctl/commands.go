package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/luvoctl/internal/bridge"
	"github.com/chaz8081/luvoctl/internal/config"
	"github.com/chaz8081/luvoctl/internal/lamp"
	"github.com/chaz8081/luvoctl/internal/lamp/protocol"
)

func (a *app) onCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "on",
		Short: "Switch the lamp on with its default scene",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SwitchOn(ctx)
			})
		},
	}
}

func (a *app) offCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "off",
		Short: "Switch the lamp off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SwitchOff(ctx)
			})
		},
	}
}

func (a *app) sceneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scene <id>",
		Short: "Activate a stored scene (0 switches off, 255 switches on)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSceneID(args[0])
			if err != nil {
				return err
			}
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SelectScene(ctx, id)
			})
		},
	}
}

func (a *app) colorCmd() *cobra.Command {
	var transition time.Duration
	cmd := &cobra.Command{
		Use:   "color <hue> <saturation> <brightness>",
		Short: "Set the uplight color (hue 0-360, saturation and brightness 0-100)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseFloats(args)
			if err != nil {
				return err
			}
			c := protocol.Color{Hue: vals[0], Saturation: vals[1], Brightness: vals[2], Transition: transition}
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SetColor(ctx, c)
			})
		},
	}
	cmd.Flags().DurationVar(&transition, "transition", 0, "fade duration (max 65.535s)")
	return cmd
}

func (a *app) tempCmd() *cobra.Command {
	var transition time.Duration
	cmd := &cobra.Command{
		Use:   "temp <kelvin> <brightness>",
		Short: fmt.Sprintf("Set the downlight white temperature (%d-%dK) and brightness", protocol.MinKelvin, protocol.MaxKelvin),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kelvin, err := parseKelvin(args[0])
			if err != nil {
				return err
			}
			bri, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid brightness %q: %w", args[1], err)
			}
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SetColorTemperature(ctx, kelvin, bri, transition)
			})
		},
	}
	cmd.Flags().DurationVar(&transition, "transition", 0, "fade duration (max 65.535s)")
	return cmd
}

func (a *app) brightnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brightness <percent>",
		Short: "Set the brightness of the active scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid brightness %q: %w", args[0], err)
			}
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				return l.SetBrightness(ctx, pct)
			})
		},
	}
}

func (a *app) scenesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenes",
		Short: "List the scenes stored on the lamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				list, err := l.RefreshScenes(ctx)
				printScenes(cmd, list.Scenes)
				if err != nil {
					if len(list.Scenes) > 0 {
						return fmt.Errorf("scene list incomplete: %w", err)
					}
					return err
				}
				return nil
			})
		},
	}
}

func (a *app) currentCmd() *cobra.Command {
	var names bool
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the active scene",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLamp(cmd, func(ctx context.Context, l *lamp.Lamp) error {
				if err := l.Connect(ctx); err != nil {
					return err
				}
				defer func() {
					if err := l.Disconnect(); err != nil {
						slog.Warn("disconnect failed", "error", err)
					}
				}()

				id, err := l.RefreshCurrentScene(ctx)
				if err != nil {
					return err
				}
				if names {
					if _, err := l.RefreshScenes(ctx); err != nil {
						slog.Warn("scene names unavailable", "error", err)
					}
				}
				name, ok := l.CurrentSceneName()
				if !ok {
					name = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&names, "names", true, "read the scene list to resolve the scene name")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bridge the lamp to an MQTT broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if !cfg.MQTT.Enabled() {
				return fmt.Errorf("mqtt.broker is not set")
			}
			l, err := a.openLamp()
			if err != nil {
				return err
			}

			slog.Info("starting bridge",
				"lamp", cfg.Lamp.Address,
				"mqtt_broker", cfg.MQTT.Broker,
				"mqtt_port", cfg.MQTT.Port,
				"mqtt_client_id", cfg.MQTT.ClientID,
			)

			// Hold the link; operations reconnect on their own after a drop.
			if err := l.Connect(ctx); err != nil {
				slog.Warn("lamp not reachable yet; connecting per command", "error", err)
			}
			defer func() {
				if err := l.Disconnect(); err != nil {
					slog.Warn("lamp disconnect failed", "error", err)
				}
			}()

			client := bridge.NewMQTTClient(cfg.MQTT)
			defer client.Disconnect()
			go func() {
				if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("mqtt connect failed", "error", err)
				}
			}()

			b := bridge.New(l, client, bridge.Options{
				TopicPrefix:    cfg.MQTT.TopicPrefix,
				PollInterval:   cfg.MQTT.PollInterval,
				CommandTimeout: a.timeout,
			})
			return b.Run(ctx)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		// Skips loading a config that may not exist yet.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				fmt.Fprintf(out, "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}
}

func printScenes(cmd *cobra.Command, scenes []lamp.Scene) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, s := range scenes {
		fmt.Fprintf(w, "%d\t%s\n", s.ID, s.Name)
	}
	w.Flush()
}

// parseSceneID parses a scene id in 0-255.
func parseSceneID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid scene id %q: must be 0-255", s)
	}
	return uint8(v), nil
}

// parseKelvin parses a color temperature. The range is checked by the encoder.
func parseKelvin(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid color temperature %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, s := range args {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
