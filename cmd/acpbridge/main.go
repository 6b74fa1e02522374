// Package main is the entry point for the ACP bridge. One binary runs the
// HTTP server, the enabled service adapters, and the session manager.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acpbridge/acpbridge/internal/bridge"
	"github.com/acpbridge/acpbridge/internal/common/config"
	"github.com/acpbridge/acpbridge/internal/common/logger"
	"github.com/acpbridge/acpbridge/internal/common/tracing"
	"github.com/acpbridge/acpbridge/internal/events/bus"
	"github.com/acpbridge/acpbridge/internal/repo"
	"github.com/acpbridge/acpbridge/internal/services/github"
	"github.com/acpbridge/acpbridge/internal/services/linear"
	"github.com/acpbridge/acpbridge/internal/services/slack"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting ACP bridge...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Lifecycle audit trail: every session event lands in the log with its
	// subject, whichever bus backend is in use.
	lifecycleSub, err := eventBus.Subscribe(bus.SubjectSessionAll, func(_ context.Context, event *bus.Event) error {
		log.Info("Session lifecycle event",
			zap.String("subject", event.Type),
			zap.Any("data", event.Data))
		return nil
	})
	if err != nil {
		log.Fatal("Failed to subscribe to session lifecycle events", zap.Error(err))
	}
	defer func() { _ = lifecycleSub.Unsubscribe() }()

	// GitHub App auth. Optional: without it the GitHub adapter is
	// unavailable and repos must be publicly clonable.
	appAuth := loadGitHubAuth(log)

	var tokens repo.TokenSource
	if appAuth != nil {
		tokens = appAuth
	}
	provider, err := repo.NewProvider(repo.Config{
		DataDir:         cfg.Bridge.DataDir,
		EnabledServices: cfg.Bridge.Services(),
		SkillsDir:       os.Getenv("ACPBRIDGE_SKILLS_DIR"),
	}, tokens, log)
	if err != nil {
		log.Fatal("Failed to initialize repo provider", zap.Error(err))
	}

	store := bridge.NewStore(cfg.Bridge.StorePath(), log)
	manager, err := bridge.NewManager(cfg, store, provider, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}

	adapters := buildAdapters(cfg, manager, appAuth, log)
	if len(adapters) == 0 {
		log.Fatal("No service adapters configured; check enabled services and credentials")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "acpbridge"})
	})
	for _, adapter := range adapters {
		adapter.RegisterRoutes(router)
	}

	// Hand restored sessions to their adapters before any ingress starts,
	// so follow-ups on pre-restart conversations resume instead of forking.
	for _, adapter := range adapters {
		manager.RestoreSessionsForAdapter(adapter)
		if r, ok := adapter.(interface{ RestorePersistedSessions() }); ok {
			r.RestorePersistedSessions()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		group.Go(func() error {
			if err := adapter.Start(groupCtx); err != nil {
				return fmt.Errorf("start %s adapter: %w", adapter.ServiceName(), err)
			}
			log.Info("Service adapter started", zap.String("service", adapter.ServiceName()))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		log.Fatal("Failed to start service adapters", zap.Error(err))
	}

	if interval := cfg.Worktree.CleanupIntervalDuration(); interval > 0 {
		go runWorktreeSweep(ctx, provider, manager, cfg.Worktree.MaxAge(), interval, log)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ACP bridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop ingress first so no new sessions arrive while agents shut down.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	for _, adapter := range adapters {
		if err := adapter.Close(shutdownCtx); err != nil {
			log.Error("Adapter close error",
				zap.String("service", adapter.ServiceName()),
				zap.Error(err))
		}
	}
	manager.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}
	log.Info("ACP bridge stopped")
}

// buildAdapters creates one adapter per enabled service per configured
// agent that has credentials. The default agent serves the unqualified
// routes; other agents get "<service>:<name>" identities.
func buildAdapters(cfg *config.Config, manager *bridge.Manager, appAuth *github.AppAuth, log *logger.Logger) []bridge.ServiceAdapter {
	var adapters []bridge.ServiceAdapter

	for _, service := range cfg.Bridge.Services() {
		for _, agent := range cfg.Agents {
			agentName := agent.Name
			if agent.Default {
				agentName = ""
			}

			switch service {
			case "linear":
				token := config.GetServiceCredential("LINEAR_ACCESS_TOKEN", agentName)
				if token == "" {
					log.Warn("Linear enabled but LINEAR_ACCESS_TOKEN is not set",
						zap.String("agent", agent.Name))
					continue
				}
				adapters = append(adapters, linear.NewAdapter(linear.Config{
					AccessToken:   token,
					WebhookSecret: config.GetServiceCredential("LINEAR_WEBHOOK_SECRET", agentName),
					AgentName:     agentName,
				}, manager, log))

			case "slack":
				botToken := config.GetServiceCredential("SLACK_BOT_TOKEN", agentName)
				appToken := config.GetServiceCredential("SLACK_APP_TOKEN", agentName)
				if botToken == "" || appToken == "" {
					log.Warn("Slack enabled but SLACK_BOT_TOKEN or SLACK_APP_TOKEN is not set",
						zap.String("agent", agent.Name))
					continue
				}
				adapters = append(adapters, slack.NewAdapter(slack.Config{
					BotToken:       botToken,
					AppToken:       appToken,
					AgentName:      agentName,
					ChannelRepos:   parseJSONMap(os.Getenv("SLACK_CHANNEL_REPOS"), log),
					ChannelPrompts: parseJSONMap(os.Getenv("SLACK_CHANNEL_PROMPTS"), log),
				}, manager, log))

			case "github":
				if appAuth == nil {
					log.Warn("GitHub enabled but App credentials are not configured",
						zap.String("agent", agent.Name))
					continue
				}
				adapters = append(adapters, github.NewAdapter(github.Config{
					WebhookSecret: config.GetServiceCredential("GITHUB_WEBHOOK_SECRET", agentName),
					BotLogin:      config.GetServiceCredential("GITHUB_BOT_LOGIN", agentName),
					AgentName:     agentName,
				}, manager, appAuth, log))
			}
		}
	}
	return adapters
}

// loadGitHubAuth builds App auth from GITHUB_APP_ID, GITHUB_INSTALLATION_ID
// and GITHUB_PRIVATE_KEY (PEM contents) or GITHUB_PRIVATE_KEY_PATH.
func loadGitHubAuth(log *logger.Logger) *github.AppAuth {
	appID := os.Getenv("GITHUB_APP_ID")
	if appID == "" {
		return nil
	}

	key := []byte(os.Getenv("GITHUB_PRIVATE_KEY"))
	if len(key) == 0 {
		path := os.Getenv("GITHUB_PRIVATE_KEY_PATH")
		if path == "" {
			log.Warn("GITHUB_APP_ID set but no private key configured")
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("Failed to read GitHub private key", zap.Error(err))
			return nil
		}
		key = data
	}

	var installationID int64
	if raw := os.Getenv("GITHUB_INSTALLATION_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			log.Error("Invalid GITHUB_INSTALLATION_ID", zap.String("value", raw))
			return nil
		}
		installationID = parsed
	}

	auth, err := github.NewAppAuth(appID, key, installationID, log)
	if err != nil {
		log.Error("Failed to initialize GitHub App auth", zap.Error(err))
		return nil
	}
	log.Info("GitHub App auth configured", zap.String("app_id", appID))
	return auth
}

// parseJSONMap decodes a {"key": "value"} env var, tolerating absence.
func parseJSONMap(raw string, log *logger.Logger) map[string]string {
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn("Ignoring unparseable JSON map", zap.Error(err))
		return nil
	}
	return out
}

// runWorktreeSweep periodically removes worktrees no tracked session uses.
func runWorktreeSweep(ctx context.Context, provider *repo.Provider, manager *bridge.Manager, maxAge, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := provider.CleanupStale(ctx, maxAge, manager.ActiveCwds())
			if removed > 0 {
				log.Info("Removed stale worktrees", zap.Int("count", removed))
			}
		}
	}
}
