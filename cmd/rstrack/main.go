package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "time/tzdata"

	"rstrack/internal/config"
	appLog "rstrack/internal/log"
)

const version = "0.1.0"

// flagConfig holds global CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	logLevel   string
}

const usage = `usage: rstrack [flags] <command> [args]

commands:
  serve                          run the local API, feed refresh and queue drain
  status EVENT_ID                show an event's status and submission
  submit [flags] EVENT_ID        capture and send the next proof (time-in, then time-out)
  drain                          send queued offline captures now
  login TOKEN                    store the bearer token
  logout                         remove the stored token

flags:
`

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	env, err := conf.ApplyEnv(flags.envFile)
	if err != nil {
		appLog.Error("failed to apply environment", err, "env_file", flags.envFile)
		os.Exit(1)
	}

	// CLI flags override config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	appLog.Debug("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"api", appLog.RedactURL(conf.API.BaseURL),
		"data_dir", conf.DataDir,
		"offline", conf.Offline.Enabled,
		"command", args[0],
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, env, args); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "rstrack:", err)
			flag.Usage()
			os.Exit(2)
		}
		appLog.Error("command failed", err, "command", args[0])
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, env config.Env, args []string) error {
	cmd, rest := args[0], args[1:]

	// login/logout only touch the token file.
	switch cmd {
	case "login":
		return runLogin(conf, rest)
	case "logout":
		return runLogout(conf)
	}

	if err := conf.Validate(); err != nil {
		return err
	}
	app, err := newApp(conf, env)
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		appLog.Info("rstrack starting", "version", version)
		return app.serve(ctx)
	case "status":
		return app.status(ctx, rest)
	case "submit":
		return app.submit(ctx, rest)
	case "drain":
		return app.drain(ctx)
	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/rstrack/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Path to an optional .env file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	flag.Parse()

	return cfg
}
