package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aaronromeo.com/imaparchive/internal/config"
	"aaronromeo.com/imaparchive/pkg/report"
	"aaronromeo.com/imaparchive/pkg/services"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const (
	exitConfig = 1
	exitRun    = 2
)

// serviceFactory builds the account runner; tests swap it out.
type serviceFactory func(logger *slog.Logger, opts ...services.AccountServiceOption) services.AccountService

func main() {
	app := newApp(os.Stdout, os.Stderr, services.NewAccountService)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitConfig
}

func newApp(stdout, stderr io.Writer, newService serviceFactory) *cli.App {
	return &cli.App{
		Name:      "imaparchive",
		Usage:     "move IMAP messages into Archives/<year>/<year>-<month> folders",
		Version:   utils.ServiceVersion,
		Writer:    stdout,
		ErrWriter: stderr,
		// main decides the exit code.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (default: $" + config.EnvConfigPath + ", ./" + config.DefaultFileName + ", ~/." + config.DefaultFileName + ")",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file with account passwords, loaded when present",
			},
			&cli.StringFlag{
				Name:    "on-login-failure",
				Value:   string(services.LoginAbort),
				Usage:   "abort or continue when an account cannot log in",
				EnvVars: []string{"IMAPARCHIVE_ON_LOGIN_FAILURE"},
			},
			&cli.StringFlag{
				Name:    "telemetry",
				Value:   string(utils.TelemetryOff),
				Usage:   "off, stdout or otlp",
				EnvVars: []string{"IMAPARCHIVE_TELEMETRY"},
			},
			&cli.StringFlag{
				Name:    "otlp-endpoint",
				Usage:   "collector host:port for otlp telemetry",
				EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
			},
			&cli.BoolFlag{
				Name:  "otlp-insecure",
				Usage: "talk to the collector without TLS",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log protocol level detail",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, stdout, newService)
		},
	}
}

func run(c *cli.Context, stdout io.Writer, newService serviceFactory) error {
	if err := loadEnvFile(c.String("env-file"), c.IsSet("env-file")); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	policy, err := services.ParseLoginPolicy(c.String("on-login-failure"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	mode, err := utils.ParseTelemetryMode(c.String("telemetry"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := utils.SetupOTelSDK(ctx, utils.TelemetryConfig{
		Mode:     mode,
		Endpoint: c.String("otlp-endpoint"),
		Insecure: c.Bool("otlp-insecure"),
		Stdout:   stdout,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := utils.NewLogger(mode, stdout, level)
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Telemetry shutdown failed", slog.Any("error", utils.WrapError(err)))
		}
	}()

	path, err := config.ResolvePath(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	logger.InfoContext(ctx, "Loaded configuration", slog.String("path", path), slog.String("accounts", config.Summary(cfg)))

	for _, s := range cfg.Skipped {
		logger.ErrorContext(ctx, "Skipping account", slog.String("account", s.Name), slog.String("reason", s.Reason))
	}

	sink, err := report.NewSink(cfg.Report, cfg.ReportRegion)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	opts := []services.AccountServiceOption{services.WithLoginPolicy(policy)}
	if sink != nil {
		opts = append(opts, services.WithSink(sink))
	}

	if err := newService(logger, opts...).RunAll(ctx, cfg.Accounts); err != nil {
		return cli.Exit(err.Error(), exitRun)
	}
	return nil
}

// loadEnvFile loads path into the environment. A missing default file is
// fine; a missing file the user asked for is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errors.Wrapf(err, "env file %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "loading env file %s", path)
	}
	return nil
}
