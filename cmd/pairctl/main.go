package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/pairctl/internal/config"
	"github.com/danmuck/pairctl/internal/logging"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/danmuck/pairctl/internal/service"
	"github.com/danmuck/pairctl/internal/supervisor"
	"github.com/spf13/pflag"
)

const usage = `pairctl manages paired messaging sessions.

Usage:
  pairctl serve  [--config path] [--addr :8001] [--log-level info]
  pairctl run    [--timeout 60s] [--grace 3s] -- <command> [args...]
  pairctl config init [--output pairctl.toml] [--force]
  pairctl config validate [--config pairctl.toml]
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "serve":
		err = serve(args[1:], stderr)
	case "run":
		err = runOnce(args[1:], stdout, stderr)
	case "config":
		err = configCmd(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "pairctl: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "pairctl: %v\n", err)
		return 1
	}
	return 0
}

func serve(args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "path to a TOML config file")
	addr := fs.String("addr", "", "listen address, overrides server.addr")
	level := fs.String("log-level", "", "log level, overrides log_level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.DefaultServiceConfig()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	logger := observability.InitLogger("pairctl")
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	return svc.Run()
}

// runOnce supervises one command and prints its result as JSON.
func runOnce(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 60*time.Second, "wall-clock limit; 0 disables it")
	grace := fs.Duration("grace", supervisor.DefaultGraceKill, "wait between TERM and KILL")
	quiet := fs.Bool("quiet", false, "do not echo command output to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	argv := fs.Args()
	if len(argv) == 0 {
		return errors.New("run: missing command after --")
	}

	logging.ConfigureRuntime()
	logger := logging.Component("supervisor")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cb := supervisor.Callbacks{}
	if !*quiet {
		cb.OnOutput = func(stream, line string) {
			fmt.Fprintf(stderr, "[%s] %s\n", stream, line)
		}
	}
	res, err := supervisor.Run(ctx, supervisor.Command{Path: argv[0], Args: argv[1:]}, supervisor.Options{
		Timeout:   *timeout,
		GraceKill: *grace,
		Logger:    &logger,
	}, cb)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func configCmd(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New("config: want init or validate")
	}
	fs := pflag.NewFlagSet("config "+args[0], pflag.ContinueOnError)
	fs.SetOutput(stderr)
	switch args[0] {
	case "init":
		output := fs.String("output", "pairctl.toml", "where to write the template; - for stdout")
		force := fs.Bool("force", false, "overwrite an existing file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *output == "-" {
			_, err := io.WriteString(stdout, config.Template())
			return err
		}
		if err := config.WriteTemplate(*output, *force); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote config template to %s\n", *output)
		return nil
	case "validate":
		path := fs.String("config", "pairctl.toml", "config file to validate")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := config.Load(*path)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "config %s ok: addr=%s credentials=%s bridge=%q\n",
			*path, cfg.Server.Addr, cfg.Credentials.Backend, strings.TrimSpace(cfg.Bridge.Command))
		return nil
	default:
		return fmt.Errorf("config: unknown subcommand %q", args[0])
	}
}
