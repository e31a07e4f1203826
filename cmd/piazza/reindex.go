package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentpiazza/internal/config"
	"agentpiazza/internal/logging"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed all insights into the vector index",
	Long: `Re-embeds every stored insight and upserts it into the vector index.
Use this after changing the embedding model or to repair an index that
fell behind the relational store (index writes are best-effort).`,
	RunE: runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.DataDir(), logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		return err
	}
	defer logging.CloseAll()

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	indexed, err := app.Insights.Reindex(cmd.Context())
	if err != nil {
		logger.Error("reindex failed", zap.Int("indexed", indexed), zap.Error(err))
		return err
	}
	logger.Info("reindex complete", zap.Int("indexed", indexed))
	return nil
}
