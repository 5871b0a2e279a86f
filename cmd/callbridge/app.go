package main

import (
	"fmt"
	"runtime"

	"callbridge/config"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Build = "head"
)

func App() *cli.App {
	return &cli.App{
		Name:            "callbridge",
		Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
		Version:         Build,
		HideHelpCommand: true,
		Description:     "host the calculator demo and call it across a tcp or websocket boundary",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "enable verbose logging",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file, defaults apply when unset",
				EnvVars: []string{"CALLBRIDGE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			configCommand(),
		},
		Before: ConfigLogger,
	}
}

func ConfigLogger(ctx *cli.Context) error {
	var cfg zap.Config
	if ctx.Bool("verbose") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	// Redirect everything to stderr
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	if ctx.App.Metadata == nil {
		ctx.App.Metadata = make(map[string]any)
	}
	ctx.App.Metadata["logger"] = logger
	return nil
}

func loggerFrom(ctx *cli.Context) (*zap.Logger, error) {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return nil, errors.New("unable to obtain logger from app context")
	}
	return logger, nil
}

// loadConfig reads the file named by --config, or the defaults, then applies the flags
// the command was given on top.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if ctx.IsSet("listen") {
		cfg.Listen = ctx.String("listen")
	}
	if ctx.IsSet("http-listen") {
		cfg.HTTPListen = ctx.String("http-listen")
	}
	if ctx.IsSet("codec") {
		cfg.Codec = ctx.String("codec")
	}
	if ctx.IsSet("etcd") {
		cfg.Etcd = ctx.StringSlice("etcd")
	}
	if ctx.IsSet("advertise") {
		cfg.Advertise = ctx.String("advertise")
	}
	if ctx.IsSet("balancer") {
		cfg.Balancer = ctx.String("balancer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:      "config",
		Usage:     "print the effective configuration as YAML",
		ArgsUsage: " ",
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			return cfg.Encode(ctx.App.Writer)
		},
	}
}
