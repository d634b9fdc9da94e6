package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"chatrelay/internal/config"
	"chatrelay/internal/relay"
	"chatrelay/internal/server"
	"chatrelay/internal/upstream"
)

const serveUsage = `Usage:
  chatrelay serve [--config <path>] [--env-file <path>] [--port <port>]

Flags:
  --config   string   Path to YAML configuration file (optional)
  --env-file string   Dotenv file loaded before reading the environment (default ".env")
  --port     int      Override server port from configuration

Environment:
  OPENROUTER_API_KEY (required), MODEL, TEMPERATURE, MAX_TOKENS, OPENROUTER_URL,
  UPSTREAM_TIMEOUT, PORT, STATIC_DIR, CORS_ORIGINS, LOG_LEVEL, LOG_FORMAT`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&envFile, "env-file", ".env", "path to dotenv file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	client, err := upstream.New(cfg.Upstream, upstream.NewHTTPClient(cfg.Upstream.Timeout))
	if err != nil {
		return fmt.Errorf("initialise upstream client: %w", err)
	}

	rl, err := relay.New(cfg.Upstream, client)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rl)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func setupLogging(cfg config.LogConfig) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
