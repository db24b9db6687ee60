package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/bridge/internal/agentapi"
	"github.com/xiaot623/gogo/bridge/internal/bridge"
	"github.com/xiaot623/gogo/bridge/internal/config"
	internalhttp "github.com/xiaot623/gogo/bridge/internal/http"
	"github.com/xiaot623/gogo/bridge/internal/hub"
	"github.com/xiaot623/gogo/bridge/internal/logger"
	"github.com/xiaot623/gogo/bridge/internal/policy"
	"github.com/xiaot623/gogo/bridge/internal/registry"
	"github.com/xiaot623/gogo/bridge/internal/repohost"
	"github.com/xiaot623/gogo/bridge/internal/store"
	"github.com/xiaot623/gogo/bridge/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long:  "Serve the /chat WebSocket endpoint and the REST side channel.\nBy default it listens on port 8000. Use --port to change it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		logger.Configure(logger.ParseLevel(cfg.LogLevel), cfg.LogPretty)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8000, "port to listen on")
	serveCmd.Flags().Bool("pretty", false, "human-readable console logs")
	_ = v.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("log.pretty", serveCmd.Flags().Lookup("pretty"))
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger.Infof("Starting bridge %s...", buildVersion)
	logger.Infof("Port: %d", cfg.Port)
	logger.Infof("Agent API: %s", cfg.AgentBaseURL)
	logger.Infof("Database: %s", cfg.DatabaseDSN)

	db, err := store.NewSQLiteStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.AgentRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AgentRateLimit), cfg.AgentRateBurst)
	}
	agent := agentapi.NewClient(cfg.AgentBaseURL, cfg.AgentAPIKey, cfg.AgentTimeout, limiter)
	if !agent.Configured() {
		logger.Warnf("No agent API key configured; upstream calls will be rejected")
	}

	deps := bridge.Deps{
		Policy:  engine,
		Options: bridgeOptions(cfg),
		Logger:  logger.Logger,
	}
	var repos internalhttp.Repos
	github := repohost.NewClient(cfg.GitHubBaseURL, cfg.GitHubToken, cfg.GitHubTimeout)
	if github.Configured() {
		deps.Repo = github
		repos = github
	} else {
		logger.Warnf("No GitHub token configured; publishing is disabled")
	}

	// A connection's queue must hold a full replay on top of live traffic.
	connectionHub := hub.NewHub(ws.Encode, cfg.SendBuffer+cfg.ReplayBufferSize)

	sessions := registry.New(agent, deps, db, registry.Options{
		IdleTimeout:    cfg.IdleTimeout,
		MaxPendingIdle: cfg.MaxPendingIdle,
		SweepInterval:  cfg.SweepInterval,
	})

	httpServer := internalhttp.NewServer(connectionHub, sessions, agent, repos, cfg.APIKey)
	ws.NewServer(cfg, connectionHub, sessions).Register(httpServer.Echo())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connectionHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sessions.RunEvictionMonitor(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("Bridge listening on %s", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down bridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessions.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shutdown HTTP server gracefully: %v", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Infof("Bridge stopped")
	return err
}

func bridgeOptions(cfg *config.Config) bridge.Options {
	opts := bridge.DefaultOptions()
	opts.PollInterval = cfg.PollInterval
	opts.MaxBackoff = cfg.MaxBackoff
	opts.PollTimeout = cfg.AgentTimeout
	opts.FailureThreshold = cfg.FailureThreshold
	opts.ReplayBufferSize = cfg.ReplayBufferSize
	opts.DetachGrace = cfg.DetachGrace
	opts.CommandTimeout = cfg.CommandTimeout
	opts.CommandQueueSize = cfg.CommandQueueSize
	return opts
}
