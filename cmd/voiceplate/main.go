package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/applova/voiceplate/internal/backend"
	"github.com/applova/voiceplate/internal/bridge"
	"github.com/applova/voiceplate/internal/callog"
	"github.com/applova/voiceplate/internal/config"
	"github.com/applova/voiceplate/internal/httpapi"
	"github.com/applova/voiceplate/internal/logging"
	"github.com/applova/voiceplate/internal/observability"
	"github.com/applova/voiceplate/internal/session"
	"github.com/applova/voiceplate/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		logger.Warn().Msg("OPENAI_API_KEY not set, backend connections will fail")
	}

	ctx := context.Background()
	store, storeMode, err := callog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call record store init failed: %v", err)
	}
	defer store.Close()
	logger.Info().Str("mode", storeMode).Msg("call record store ready")

	registry := session.NewRegistry()

	dialer := backend.NewDialer(backend.DialerConfig{
		BaseURL:        cfg.RealtimeBaseURL,
		Model:          cfg.RealtimeModel,
		APIKey:         cfg.OpenAIAPIKey,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	connector := backend.NewConnector(dialer, logger)

	providers := make([]tools.Provider, 0, 3)
	addProvider := func(name, dataType, baseURL string, keywords []string) {
		if strings.TrimSpace(baseURL) == "" {
			logger.Warn().Str("tool", name).Msg("no api url configured, tool disabled")
			return
		}
		providers = append(providers, tools.NewHTTPProvider(name, dataType, baseURL, keywords, cfg.ProviderTimeout))
	}
	addProvider("get_menu_information", "menu", cfg.MenuAPIURL,
		[]string{"menu", "food", "drink", "eat", "pizza", "price", "cost", "dessert", "item", "dish", "order"})
	addProvider("get_business_information", "business", cfg.BusinessAPIURL,
		[]string{"open", "close", "hour", "deliver", "location", "address", "phone", "contact", "where"})
	addProvider("get_promotion_information", "promotion", cfg.PromoAPIURL,
		[]string{"promo", "deal", "discount", "offer", "coupon", "special", "sale"})

	dispatcher := tools.NewDispatcher(providers, connector, registry, metrics, logger, cfg.ConfigureAttempts, cfg.ConfigureBackoff)
	supervisor := bridge.NewSupervisor(cfg, registry, connector, dispatcher, store, metrics, logger)

	api := httpapi.New(cfg, registry, supervisor, store, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	// Force-close live sessions so their cleanup runs before the
	// listener stops accepting new work.
	for _, sess := range registry.List() {
		_ = registry.ForceClose(sess.ID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
