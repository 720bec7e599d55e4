package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/nbfolio/internal"
	pkgconfig "github.com/starford/nbfolio/pkg/config"
)

const defaultConfigFile = "nbfolio.yaml"

// loadConfig reads the config file named by --config. The default file is
// optional; a file named explicitly (flag or APP_CONFIG_FILE) must exist.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	root := cmd.Root()
	configPath := root.String("config")

	cfg := internal.NewDefaultConfig()
	if root.IsSet("config") {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if _, err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if root.Bool("verbose") {
		cfg.App.LogLevel = slog.LevelDebug
	}
	return cfg, nil
}

// newApp loads the configuration, lets mutate adjust it, and wires the app.
func newApp(cmd *cli.Command, mutate func(*internal.Config), opts ...internal.Option) (*internal.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid options: %w", err)
		}
	}
	app, err := internal.New(append([]internal.Option{internal.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("app init error: %w", err)
	}
	return app, nil
}

func main() {
	cmd := &cli.Command{
		Name:    "nbfolio",
		Usage:   "Prepare Jupyter notebooks and their charts for a static portfolio site",
		Version: internal.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: defaultConfigFile,
				Value:       defaultConfigFile,
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			stripCommand(),
			chartsCommand(),
			renderCommand(),
			syncCommand(),
			statusCommand(),
			watchCommand(),
			previewCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
