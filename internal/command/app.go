package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"nexus/server/internal/config"
)

type Deps struct {
	LoadConfig   func() config.Config
	RunServe     func(context.Context, config.Config) error
	RunMigrateUp func(context.Context, config.Config) error
	ListDevices  func(context.Context, config.Config) error
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "nexus",
		Usage: "android task execution server",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the server",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(deps))
				},
			},
			{
				Name:  "devices",
				Usage: "list adb-visible devices",
				Action: func(ctx *cli.Context) error {
					if deps.ListDevices == nil {
						return errors.New("device lister is not configured")
					}
					return deps.ListDevices(ctx.Context, loadConfig(deps))
				},
			},
			{
				Name:  "migrate",
				Usage: "database schema management",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "sync schema",
						Action: func(ctx *cli.Context) error {
							if deps.RunMigrateUp == nil {
								return errors.New("migrate up runner is not configured")
							}
							return deps.RunMigrateUp(ctx.Context, loadConfig(deps))
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}
