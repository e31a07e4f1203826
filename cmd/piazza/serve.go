package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentpiazza/internal/completion"
	"agentpiazza/internal/config"
	"agentpiazza/internal/conversation"
	"agentpiazza/internal/embedding"
	"agentpiazza/internal/insight"
	"agentpiazza/internal/logging"
	"agentpiazza/internal/scope"
	"agentpiazza/internal/search"
	"agentpiazza/internal/server"
	"agentpiazza/internal/store"
	"agentpiazza/internal/vecindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AgentPiazza HTTP API",
	Long: `Starts the HTTP API on the configured address. The server owns the
SQLite database (relational tables and the vector index share one file)
and shuts down cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.API.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // chat turns wait on the completion backend
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving AgentPiazza API",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Database.Path),
			zap.String("embedding", cfg.Embedding.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// app bundles the wired services so serve and reindex share one setup
// path.
type app struct {
	Store    *store.Store
	Engine   embedding.Engine
	Index    *vecindex.SQLiteIndex
	Insights *insight.Service
	API      *server.Server
}

func (a *app) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	index, err := vecindex.New(st.DB(), cfg.Embedding.Dimensions)
	if err != nil {
		st.Close()
		return nil, err
	}

	guard := scope.NewGuard(engine, cfg.Scope.Description, cfg.Scope.Threshold)
	insights := insight.NewService(st, guard, engine, index)
	ranker := search.NewRanker(st, engine, index, cfg.Search.BlockerTopics)

	timeout, err := cfg.CompletionTimeout()
	if err != nil {
		st.Close()
		return nil, err
	}
	llm := completion.NewOllamaClient(completion.OllamaConfig{
		Endpoint: cfg.Completion.Endpoint,
		Model:    cfg.Completion.Model,
		Timeout:  timeout,
	})
	chat := conversation.NewEngine(st, llm, insights, conversation.Options{
		BaseURL:      cfg.Server.BaseURL,
		Model:        cfg.Completion.Model,
		GroundedTopN: cfg.Search.GroundedTopN,
	})

	api := server.New(st, insights, ranker, chat, cfg.Server.BaseURL)
	return &app{Store: st, Engine: engine, Index: index, Insights: insights, API: api}, nil
}
