package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/metric-investigator/internal/audit"
	"github.com/kubilitics/metric-investigator/internal/config"
	"github.com/kubilitics/metric-investigator/internal/db"
	"github.com/kubilitics/metric-investigator/internal/logging"
	"github.com/kubilitics/metric-investigator/internal/server"
)

// archiveSweepInterval is how often expired conversations are removed.
const archiveSweepInterval = time.Hour

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API over HTTP and WebSocket",
		Long: `Starts the REST API, the WebSocket event stream and the gRPC health
service. In-flight investigations are cancelled on SIGINT/SIGTERM; their
partial evidence is archived before the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	srvCfg := server.ConfigFrom(a.cfg)
	srv, err := server.NewServer(srvCfg, a.engine, a.archive, a.logger)
	if err != nil {
		return err
	}

	// Server lifecycle events share one correlation id per process.
	ctx = audit.WithCorrelationID(ctx, audit.GenerateCorrelationID())
	a.audit.LogServerStarted(ctx, fmt.Sprintf("%s:%d", srvCfg.Host, srvCfg.HTTPPort))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if a.archive != nil && a.cfg.Archive.RetentionDays > 0 {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			sweepArchive(gctx, a.archive, retention, archiveSweepInterval, a.logger)
			return nil
		})
	}
	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			watchConfig(gctx, a)
			return nil
		})
	}

	err = g.Wait()
	a.audit.LogServerShutdown(context.WithoutCancel(ctx), err)
	a.logger.Info("shutdown complete")
	return err
}

// sweepArchive deletes archived conversations older than retention, once at
// start and then every interval, until ctx is done.
func sweepArchive(ctx context.Context, store db.ConversationStore, retention, interval time.Duration, logger *zap.Logger) {
	sweep := func() {
		cutoff := time.Now().Add(-retention)
		n, err := store.DeleteConversationsBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("archive sweep failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Info("archive sweep removed conversations", zap.Int64("count", n), zap.Time("cutoff", cutoff))
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// watchConfig applies config file edits until ctx is done.
func watchConfig(ctx context.Context, a *app) {
	changes := a.manager.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			a.applyConfig(ctx, &cfg)
		}
	}
}

// applyConfig applies the log level of next and audits the change. Listener,
// store, oracle and provider settings are bound at startup; edits to them are
// reported as needing a restart.
func (a *app) applyConfig(ctx context.Context, next *config.Config) {
	changes := map[string]any{}
	if next.Logging.Level != a.cfg.Logging.Level {
		level, err := logging.ParseLevel(next.Logging.Level)
		if err != nil {
			a.logger.Warn("ignoring invalid log level", zap.String("level", next.Logging.Level), zap.Error(err))
		} else {
			a.logLevel.SetLevel(level)
			a.cfg.Logging.Level = next.Logging.Level
			changes["log_level"] = next.Logging.Level
		}
	}

	var restart []string
	for _, section := range []struct {
		name       string
		prev, next any
	}{
		{"server", a.cfg.Server, next.Server},
		{"investigation", a.cfg.Investigation, next.Investigation},
		{"llm", a.cfg.LLM, next.LLM},
		{"warehouse", a.cfg.Warehouse, next.Warehouse},
		{"archive", a.cfg.Archive, next.Archive},
	} {
		if !reflect.DeepEqual(section.prev, section.next) {
			restart = append(restart, section.name)
		}
	}
	if len(restart) > 0 {
		changes["restart_required"] = restart
		a.logger.Warn("configuration sections changed, restart to apply", zap.Strings("sections", restart))
	}
	if len(changes) == 0 {
		return
	}

	a.logger.Info("configuration reloaded", zap.String("path", a.configPath), zap.String("log_level", a.cfg.Logging.Level))
	a.audit.LogConfigChanged(ctx, a.configPath, changes)
}
