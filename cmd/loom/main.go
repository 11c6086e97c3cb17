package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/loomworks/loom/internal/collab"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/tools"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(loomDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	vault, err := buildVault(cfg, db)
	if err != nil {
		return err
	}
	if vault == nil {
		logger.Info("vault disabled, no master key configured")
	}

	runs := store.NewMemoryRunStore()
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.HTTPOptions{}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	providers := tools.NewProviderManager(toolReg, logger)
	defer providers.Close()
	for _, pc := range cfg.ToolServers {
		if err := providers.Load(ctx, pc); err != nil {
			logger.Warn("tool provider failed to load", "provider", pc.ID, "error", err)
		}
	}

	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Runs:           runs,
		Templates:      db,
		Collab:         buildCollaborators(toolReg),
		Hub:            streaming.NewMemoryHub(),
		EventLog:       store.NewEventLog(db),
		Archive:        db,
		Vault:          vault,
		Logger:         logger,
		DefaultModelID: cfg.DefaultModel,
		MaxParallel:    cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer orch.Shutdown()

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(db, orch, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Orchestrator: orch,
		Templates:    db,
		Runs:         runs,
		Archive:      db,
		Validator:    validator,
		Logger:       logger,
	})

	logger.Info("loom engine started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"scheduler", cfg.Scheduler)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("loom engine stopped")
	return nil
}

// newLogger builds the process logger. Logs go to stderr because stdout
// carries the MCP stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		NoColor:    os.Getenv("NO_COLOR") != "",
	})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func buildVault(cfg Config, db *store.LibSQLStore) (secrets.Vault, error) {
	key, err := cfg.masterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) == 0 {
		return nil, nil
	}
	vault, err := secrets.NewAESVault(db, secrets.VaultConfig{MasterKey: key})
	if err != nil {
		return nil, fmt.Errorf("build vault: %w", err)
	}
	return vault, nil
}

// buildCollaborators wires the default collaborator set. Tool calls go
// to the builtin registry plus any configured MCP providers. Completions
// require an external provider; until one is configured those steps fail
// with a collaborator error. expr function steps run in-process.
func buildCollaborators(toolReg *tools.Registry) collab.Set {
	return collab.Set{
		Completion: collab.CompletionFunc(func(ctx context.Context, req collab.CompletionRequest) (any, error) {
			return nil, schema.NewError(schema.ErrCodeCollaborator,
				"no completion provider configured")
		}),
		Tools:   toolReg,
		Sandbox: collab.NewExprSandbox(nil),
	}
}
