// ABOUTME: Entry point for the Seend gateway server
// ABOUTME: Manages presence, message delivery, and live WebSocket sessions

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orrodguez19/Seend/internal/auth"
	"github.com/orrodguez19/Seend/internal/config"
	"github.com/orrodguez19/Seend/internal/gateway"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seend-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the gateway server")
		fmt.Println("  token <identity>   Mint a development connection token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the config file location from SEEND_CONFIG or the
// default.
func configPath() string {
	if p := os.Getenv("SEEND_CONFIG"); p != "" {
		return p
	}
	return "seend.yaml"
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

// runToken mints a short-lived JWT for local development and testing.
// Production tokens come from the external auth service.
func runToken() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: seend-gateway token <identity>")
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	token, err := verifier.Generate(os.Args[2], 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
