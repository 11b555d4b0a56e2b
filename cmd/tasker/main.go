// Package main provides the tasker binary: a persistent workflow engine
// that executes task DAGs with retries, deduplication, and an HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/tasker/config"
	"github.com/c360studio/tasker/events"
	"github.com/c360studio/tasker/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tasker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Persistent DAG workflow engine",
		Long: `Tasker is a persistent workflow engine. Tasks are instantiated from
named templates into DAGs of steps, executed by registered handlers with
retries and backoff, and driven to completion through a durable work queue.

State lives in NATS JetStream; the HTTP API serves task CRUD, step views,
DAG diagrams, handler listings, health, metrics, and analytics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, templates, and custom events without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configPath)
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.AddCommand(validateCmd)

	return cmd
}

func runServe(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		app.Shutdown(10 * time.Second)
		return err
	}

	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	app.Shutdown(30 * time.Second)
	return nil
}

// runValidate checks everything the engine would fail fast on at startup:
// the config itself, template documents, and custom event declarations.
func runValidate(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Println("configuration: ok")

	if _, err := workflow.NewIdentityStrategy(cfg.Engine.IdentityStrategy); err != nil {
		return err
	}

	if dirs := cfg.Engine.TemplateDirectories; len(dirs) > 0 {
		docs, err := workflow.LoadTemplateDirectories(dirs)
		if err != nil {
			return fmt.Errorf("invalid templates: %w", err)
		}
		var templates int
		for _, doc := range docs {
			templates += len(doc.Tasks())
		}
		fmt.Printf("templates: ok (%d documents, %d templates)\n", len(docs), templates)
	}

	if dirs := cfg.Engine.CustomEventsDirectories; len(dirs) > 0 {
		declared, err := events.LoadCustomEventDirectories(dirs)
		if err != nil {
			return fmt.Errorf("invalid custom events: %w", err)
		}
		fmt.Printf("custom events: ok (%d declared)\n", len(declared))
	}

	return nil
}

// loadConfig layers a config file, when given, over the defaults.
func loadConfig(configPath string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	fileCfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(fileCfg)
	return cfg, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
