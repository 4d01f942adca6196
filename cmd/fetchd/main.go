package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"fetchd/internal/config"
	"fetchd/internal/daemon"
	"fetchd/internal/executor"
	"fetchd/internal/logging"
	"fetchd/internal/notify"
	"fetchd/internal/rulelock"
)

var version = "dev"

func main() {
	app := cli.App{
		Name:      "fetchd",
		HelpName:  "fetchd",
		Usage:     "scheduled fetching of ancillary data files",
		UsageText: "fetchd <command> [arguments...]",
		Version:   version,
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			cli.BoolFlag{
				Name:  "json",
				Usage: "log structured JSON instead of console lines",
			},
		},
		Commands: []cli.Command{
			{
				Name:      "service",
				Usage:     "run the scheduling daemon",
				ArgsUsage: "<config>",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "watch",
						Usage: "reload when the config file changes (in addition to SIGHUP)",
					},
				},
				Action: service,
			},
			{
				Name:      "run",
				Usage:     "run the named rules once, ignoring their schedules",
				ArgsUsage: "<config> <rule> [<rule>...]",
				Action:    runOnce,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fetchd: %s\n", err)
		os.Exit(1)
	}
}

func rootLogger(c *cli.Context) zerolog.Logger {
	return logging.New(c.GlobalBool("debug"), c.GlobalBool("json"))
}

func service(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: fetchd service <config>", 2)
	}
	log := rootLogger(c)

	d, err := daemon.New(daemon.Options{
		ConfigPath: c.Args().First(),
		Watch:      c.Bool("watch"),
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// runOnce executes named rules sequentially. The rule locks still apply, so a
// one-shot run can never overlap the daemon's scheduled run of the same rule.
func runOnce(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: fetchd run <config> <rule> [<rule>...]", 2)
	}
	log := rootLogger(c)

	cfg, err := config.Load(c.Args().First(), log)
	if err != nil {
		return err
	}
	byName := map[string]*config.Rule{}
	for _, r := range cfg.Rules {
		byName[r.Name] = r
	}

	names := c.Args().Tail()
	for _, name := range names {
		if _, ok := byName[name]; !ok {
			return fmt.Errorf("no rule named %q in %s", name, c.Args().First())
		}
	}

	locker, err := rulelock.NewDirLocker(cfg.Directory)
	if err != nil {
		return err
	}
	exec := executor.New(locker, notify.NewLog(log, cfg.Notify.Email), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := false
	for _, name := range names {
		res := exec.Run(ctx, byName[name])
		if res.Outcome == executor.Failed {
			failed = true
		}
	}
	if failed {
		return cli.NewExitError("one or more rules failed", 1)
	}
	return nil
}
