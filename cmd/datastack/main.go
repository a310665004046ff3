package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/dshills/datastack/internal/config"
	"github.com/dshills/datastack/internal/mcp"
	"github.com/dshills/datastack/internal/stack"
	"github.com/dshills/datastack/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "--version", "version":
		printVersion()
	case "status":
		err = run(args, cmdStatus)
	case "serve":
		err = run(args, cmdServe)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("datastack\n")
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Build Time: %s\n", buildTime)
	fmt.Printf("Build Mode: %s\n", storage.BuildMode)
	fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: datastack <command> [schema]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status [schema]   Build the stack and show model and store details")
	fmt.Println("  serve [schema]    Serve the stack as MCP tools on stdio")
	fmt.Println("  --version         Show build information")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  DATASTACK_CONFIG         Path to a TOML config file")
	fmt.Println("  DATASTACK_SCHEMA         Schema name when none is given")
	fmt.Println("  DATASTACK_BUNDLE_DIR     Directory holding compiled schema resources")
	fmt.Println("  DATASTACK_DOCUMENTS_DIR  Directory the store file is created in")
	fmt.Println("  DATASTACK_WIRING         Background wiring: sibling, parent or none")
	fmt.Println()
}

type command func(ctx context.Context, st *stack.Stack, logger *slog.Logger) error

// run loads configuration, builds the stack and hands it to fn
func run(args []string, fn command) error {
	cfg, err := config.Load(os.Getenv("DATASTACK_CONFIG"))
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.SchemaName = args[0]
	}
	if cfg.SchemaName == "" {
		return errors.New("schema name is required (argument, DATASTACK_SCHEMA or schema_name)")
	}

	// stdout is reserved for MCP protocol
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	opts, err := stack.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, stack.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := stack.New(ctx, cfg.SchemaName, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close stack", "error", err)
		}
	}()

	return fn(ctx, st, logger)
}

func cmdStatus(ctx context.Context, st *stack.Stack, _ *slog.Logger) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	meta, err := st.Coordinator().StoreMetadata()
	if err != nil {
		return err
	}
	m := st.Model()

	cyan.Printf("%s\n\n", st.SchemaName())
	green.Printf("  Model:   ")
	fmt.Printf("%s %s (%s)\n", m.Name, m.Version, m.VersionHash()[:12])
	green.Printf("  Store:   ")
	fmt.Printf("%s\n", st.StorePath())
	green.Printf("  UUID:    ")
	fmt.Printf("%s\n", meta.StoreUUID)
	green.Printf("  Wiring:  ")
	fmt.Printf("%s\n", st.Wiring())
	fmt.Println()

	cyan.Println("  Entities")
	for _, e := range m.Entities() {
		rows, err := st.Coordinator().FetchAll(ctx, e.Name)
		if err != nil {
			return err
		}
		fmt.Printf("    %-24s %d\n", e.Name, len(rows))
	}
	fmt.Println()
	return nil
}

func cmdServe(ctx context.Context, st *stack.Stack, logger *slog.Logger) error {
	server, err := mcp.NewServer(st, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// ServeStdio handles signals itself and may return first
	defer func() {
		if err := st.SaveAll(context.Background()); err != nil {
			logger.Warn("unsaved changes discarded", "error", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errChan:
		return err
	}
}
