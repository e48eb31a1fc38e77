package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/vietddude/bastion/internal/control"
	"github.com/vietddude/bastion/internal/core/config"
	"github.com/vietddude/bastion/internal/core/domain"
	"github.com/vietddude/stylelog"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	_ = godotenv.Load()

	// Load Configuration first (before setting up logger)
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fall back to default logger for config load errors
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	// Initialize stylelog with tint.Options for level control
	stylelog.InitDefault(
		&tint.Options{
			Level:      slogLevel,
			TimeFormat: time.RFC3339,
		})

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := control.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize stack", "error", err)
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		runServe(ctx, cancel, stack)
	case "dlq":
		runDLQ(ctx, stack, args[1:])
	case "circuit":
		runCircuit(ctx, stack, args[1:])
	case "health":
		runHealth(stack, args[1:])
	case "anomalies":
		runAnomalies(ctx, stack, args[1:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: bastion [flags] <command>

Commands:
  serve                                 run background workers until interrupted
  dlq list <tenant> [status] [limit]    list dead-letter entries
  dlq stats <tenant>                    dead-letter queue summary
  dlq discard <id>                      discard a dead-letter entry
  circuit get <provider> <tenant>       show circuit breaker state
  circuit reset <provider> <tenant>     force a circuit back to closed
  health <provider> <tenant>            show provider health score
  anomalies <tenant> [since-hours]      list recent anomaly logs`)
}

func runServe(ctx context.Context, cancel context.CancelFunc, stack *control.Stack) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := stack.Start(ctx); err != nil {
		slog.Error("Failed to start stack", "error", err)
		os.Exit(1)
	}

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := stack.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}

func runDLQ(ctx context.Context, stack *control.Stack, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		status := domain.DLQStatus("")
		if len(args) >= 3 {
			status = domain.DLQStatus(args[2])
		}
		limit := 50
		if len(args) >= 4 {
			fmt.Sscanf(args[3], "%d", &limit)
		}
		entries, err := stack.Manager.ListDLQ(ctx, args[1], status, limit)
		if err != nil {
			slog.Error("Failed to list DLQ", "error", err)
			os.Exit(1)
		}
		printJSON(entries)
	case "stats":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		stats, err := stack.Manager.GetDLQStats(ctx, args[1])
		if err != nil {
			slog.Error("Failed to get DLQ stats", "error", err)
			os.Exit(1)
		}
		printJSON(stats)
	case "discard":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		if err := stack.Manager.DiscardDLQ(ctx, args[1]); err != nil {
			slog.Error("Failed to discard entry", "error", err)
			os.Exit(1)
		}
		slog.Info("Entry discarded", "id", args[1])
	default:
		usage()
		os.Exit(2)
	}
}

func runCircuit(ctx context.Context, stack *control.Stack, args []string) {
	if len(args) < 3 {
		usage()
		os.Exit(2)
	}
	key := domain.CircuitKey{Provider: args[1], TenantID: args[2]}
	switch args[0] {
	case "get":
		st, err := stack.Manager.GetCircuitState(ctx, key)
		if err != nil {
			slog.Error("Failed to get circuit state", "error", err)
			os.Exit(1)
		}
		printJSON(st)
	case "reset":
		if err := stack.Manager.ResetCircuit(ctx, key); err != nil {
			slog.Error("Failed to reset circuit", "error", err)
			os.Exit(1)
		}
		slog.Info("Circuit reset", "key", key.String())
	default:
		usage()
		os.Exit(2)
	}
}

func runHealth(stack *control.Stack, args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	score := stack.Manager.GetProviderHealth(domain.CircuitKey{Provider: args[0], TenantID: args[1]})
	printJSON(score)
}

func runAnomalies(ctx context.Context, stack *control.Stack, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	sinceHours := 24
	if len(args) >= 2 {
		fmt.Sscanf(args[1], "%d", &sinceHours)
	}
	logs, err := stack.Manager.GetAnomalies(ctx, args[0], time.Now().Add(-time.Duration(sinceHours)*time.Hour))
	if err != nil {
		slog.Error("Failed to get anomalies", "error", err)
		os.Exit(1)
	}
	printJSON(logs)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Failed to encode output", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
