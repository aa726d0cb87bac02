package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/audit"
	"github.com/kubilitics/metric-investigator/internal/cache"
	"github.com/kubilitics/metric-investigator/internal/config"
	"github.com/kubilitics/metric-investigator/internal/db"
	"github.com/kubilitics/metric-investigator/internal/executor"
	"github.com/kubilitics/metric-investigator/internal/llm/adapter"
	"github.com/kubilitics/metric-investigator/internal/llm/types"
	"github.com/kubilitics/metric-investigator/internal/logging"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
	"github.com/kubilitics/metric-investigator/internal/reasoning/conversation"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
	"github.com/kubilitics/metric-investigator/internal/reasoning/oracle"
	"github.com/kubilitics/metric-investigator/internal/reasoning/synthesis"
	"github.com/kubilitics/metric-investigator/internal/telemetry"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

const (
	// llmRequestsPerSecond and llmBurst shape outbound provider traffic.
	llmRequestsPerSecond = 2
	llmBurst             = 4

	shutdownTimeout = 10 * time.Second
)

// app holds every long-lived component of one process.
type app struct {
	cfg        *config.Config
	configPath string
	manager    config.ConfigManager
	logger     *zap.Logger
	logLevel   zap.AtomicLevel
	warehouse *warehouse.SQLiteStore
	archive   db.Store // nil when disabled
	audit     audit.Logger
	engine    engine.Engine
	oracle    string

	shutdownTelemetry telemetry.Shutdown
}

// loadConfig reads and validates configuration from path and the environment.
func loadConfig(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

func newLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	return logging.NewWithLevel(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

// ensureDir creates the parent directory of a file path.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func openWarehouse(cfg *config.Config, logger *zap.Logger) (*warehouse.SQLiteStore, error) {
	if err := ensureDir(cfg.Warehouse.Path); err != nil {
		return nil, fmt.Errorf("create warehouse directory: %w", err)
	}
	opts := []warehouse.Option{warehouse.WithLogger(logger)}
	if cfg.Warehouse.ReadOnly {
		opts = append(opts, warehouse.WithReadOnly())
	}
	return warehouse.NewSQLiteStore(cfg.Warehouse.Path, opts...)
}

// newApp wires the investigation stack from configuration.
func newApp(ctx context.Context, configPath string) (*app, error) {
	mgr, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}
	logger, level, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, configPath: configPath, manager: mgr, logger: logger, logLevel: level}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.audit.LogConfigLoaded(ctx, configPath)
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	window, err := cfg.DataWindow()
	if err != nil {
		return err
	}

	a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}

	a.warehouse, err = openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	evidence := cache.NewCachedStore(a.warehouse, cfg.Cache.Size, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	if cfg.Archive.Enabled {
		if err := ensureDir(cfg.Archive.Path); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		a.archive, err = db.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			return err
		}
	}

	a.audit = audit.NewNopLogger()
	if cfg.Logging.AuditFile != "" {
		auditCfg := audit.DefaultConfig()
		auditCfg.AuditLogPath = cfg.Logging.AuditFile
		auditCfg.MaxSize = cfg.Logging.MaxSizeMB
		auditCfg.MaxBackups = cfg.Logging.MaxBackups
		auditCfg.MaxAge = cfg.Logging.MaxAgeDays
		a.audit, err = audit.NewLogger(auditCfg, logger)
		if err != nil {
			return err
		}
	}

	client, err := a.newLLMClient()
	if err != nil {
		return err
	}

	builder := rctx.NewContextBuilder(rctx.DefaultOptions())
	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	var orc oracle.Oracle
	switch {
	case cfg.Investigation.Oracle == "llm" && client != nil:
		orc = oracle.NewLLMOracle(client, builder, llmTimeout, logger)
	case cfg.Investigation.Oracle == "llm":
		logger.Warn("no LLM API key configured, falling back to the playbook oracle",
			zap.String("provider", cfg.LLM.Provider))
		orc = oracle.NewPlaybookOracle(logger)
	default:
		orc = oracle.NewPlaybookOracle(logger)
	}
	a.oracle = orc.Name()

	var drafter synthesis.Drafter = synthesis.NewTemplateDrafter()
	if client != nil && a.oracle == "llm" {
		drafter = synthesis.NewLLMDrafter(client, builder, llmTimeout, logger)
	}

	deps := engine.Deps{
		Registry:    conversation.NewRegistry(),
		Oracle:      orc,
		Executor:    executor.New(evidence, cfg.Investigation.DefaultConfidence, logger),
		Synthesizer: synthesis.New(drafter, logger),
		Builder:     builder,
		Audit:       a.audit,
		Logger:      logger,
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	a.engine, err = engine.NewEngine(engine.Config{
		MaxSteps:   cfg.Investigation.MaxSteps,
		DataWindow: window,
	}, deps)
	if err != nil {
		return err
	}

	logger.Info("investigator initialized",
		zap.String("oracle", a.oracle),
		zap.String("drafter", drafter.Name()),
		zap.String("warehouse", cfg.Warehouse.Path),
		zap.Bool("archive", a.archive != nil),
		zap.Stringer("data_window", window),
	)
	return nil
}

// newLLMClient returns nil without error when no API key is configured.
func (a *app) newLLMClient() (adapter.Client, error) {
	cfg := a.cfg
	client, err := adapter.NewClient(adapter.Config{
		Provider:  adapter.ProviderType(cfg.LLM.Provider),
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
	if errors.Is(err, adapter.ErrProviderNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sink adapter.UsageSink
	if a.archive != nil {
		sink = usageSink(a.archive, a.logger)
	}
	return adapter.Wrap(client,
		adapter.Instrument(),
		adapter.RecordUsage(sink),
		adapter.Retry(cfg.Retry.MaxAttempts, time.Duration(cfg.Retry.BaseDelayMS)*time.Millisecond),
		adapter.RateLimit(llmRequestsPerSecond, llmBurst),
	), nil
}

// usageSink records token usage against the conversation whose run made
// the call.
func usageSink(store db.UsageStore, logger *zap.Logger) adapter.UsageSink {
	return func(ctx context.Context, provider, model string, usage types.TokenUsage) {
		rec := &db.UsageRecord{
			ConversationID:   audit.GetCorrelationID(ctx),
			Provider:         provider,
			Model:            model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			RecordedAt:       time.Now().UTC(),
		}
		if err := store.AppendUsage(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("failed to record LLM usage", zap.Error(err))
		}
	}
}

// Close releases everything init opened, in reverse order.
func (a *app) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("failed to close audit log", zap.Error(err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("failed to close archive", zap.Error(err))
		}
	}
	if a.warehouse != nil {
		if err := a.warehouse.Close(); err != nil {
			a.logger.Warn("failed to close warehouse", zap.Error(err))
		}
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
