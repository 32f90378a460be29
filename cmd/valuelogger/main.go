package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"valuelog/internal/app"
	"valuelog/internal/config"
	"valuelog/internal/logging"
	"valuelog/internal/pushsock"
	"valuelog/internal/sockclient"
	"valuelog/internal/writer"
)

const defaultConfigPath = "./valuelog.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "init-config":
		err = initConfigCommand(os.Args[2:])
	case "get":
		err = getCommand(os.Args[2:])
	case "set":
		err = setCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "valuelogger %s: %v\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps run failures onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalid):
		return 1
	case errors.Is(err, app.ErrBind):
		return 3
	case errors.Is(err, writer.ErrDrainIncomplete), errors.Is(err, writer.ErrDatabaseUnavailable):
		return 2
	}
	return 1
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d codenames, storage %s\n", *cfgPath, len(cfg.Codenames), cfg.Storage.Driver)
	return nil
}

func initConfigCommand(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	out := fs.String("out", defaultConfigPath, "Where to write the default configuration")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *out)
	}
	if err := config.Save(*out, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}

func getCommand(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9000", "Pull socket address")
	timeout := fs.Duration("timeout", 2*time.Second, "Reply timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: valuelogger get [-addr host:port] <command>")
	}

	resp, err := sockclient.New(*addr, *timeout).Request(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

func setCommand(args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8500", "Push socket address")
	timeout := fs.Duration("timeout", 2*time.Second, "Reply timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: valuelogger set [-addr host:port] <json> | key=value...")
	}

	client := sockclient.New(*addr, *timeout)
	var (
		resp string
		err  error
	)
	if fs.NArg() == 1 && len(fs.Arg(0)) > 0 && fs.Arg(0)[0] == '{' {
		if _, perr := pushsock.ParsePayload(fs.Arg(0)); perr != nil {
			return perr
		}
		resp, err = client.PushRaw(context.Background(), fs.Arg(0))
	} else {
		values, perr := parseAssignments(fs.Args())
		if perr != nil {
			return perr
		}
		resp, err = client.Push(context.Background(), values)
	}
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

func parseAssignments(args []string) (map[string]float64, error) {
	values := make(map[string]float64, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", arg)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		values[key] = v
	}
	return values, nil
}

func printUsage() {
	fmt.Println(`valuelogger <command> [options]

Commands:
  run          Start the logger (uses -config, default ./valuelog.yaml)
  validate     Validate a configuration file
  init-config  Write the default configuration
  get          Send a pull socket command, e.g. "raw" or "cn#json"
  set          Push setpoints as JSON or key=value pairs
  help         Show this message`)
}
