package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/ksred/tradegate/internal/auth"
	"github.com/ksred/tradegate/internal/breaker"
	"github.com/ksred/tradegate/internal/database"
	"github.com/ksred/tradegate/internal/exchange"
	"github.com/ksred/tradegate/internal/metrics"
	"github.com/ksred/tradegate/internal/pipeline"
	"github.com/ksred/tradegate/internal/reconciliation"
	"github.com/ksred/tradegate/internal/risk"
	"github.com/ksred/tradegate/internal/signature"
	"github.com/ksred/tradegate/internal/stream"
	"github.com/ksred/tradegate/internal/types"
	"github.com/ksred/tradegate/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trade execution server with graceful
// shutdown support
func main() {
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Identity and request signing
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "tradegate-secret-key"
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	if err := authService.RegisterPrincipal(auth.TestAPIKey, auth.TestAPISecret, auth.TestSigningSecret); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register test principal")
	}

	nonces := signature.NewNonceStore(db, signature.DefaultWindow, 10*time.Minute)
	nonces.Start(ctx)
	verifier := signature.NewVerifier(nonces, signature.DefaultWindow)

	// Audit trail fans out to the websocket hub
	auditor := audit.NewWriter(db)
	hub := stream.NewHub()
	auditor.AddSink(hub.PublishEvent)
	go hub.Run(ctx)

	// Breakers, fallback cache and latency tracking
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	tickers := breaker.NewTickerCache()
	tracker := metrics.NewTracker()
	tracker.OnBreach(func(operation string, d time.Duration) {
		zlog.Warn().Str("operation", operation).Dur("latency", d).Msg("latency bound exceeded")
		breakers.NoteLatencyBreach(operation)
	})

	// Venue adapters must pass contract validation before registration
	venues := exchange.NewRegistry()
	for _, venue := range exchange.DefaultVenues() {
		report, err := venues.Register(ctx, venue)
		if err != nil {
			zlog.Fatal().Err(err).Str("venue", venue.Name()).Msg("Venue failed contract validation")
		}
		zlog.Info().Str("venue", venue.Name()).Float64("score", report.Score).Msg("Venue registered")

		key := breaker.Key(venue.Name(), "orders")
		tracker.SetBound(key, 500*time.Millisecond)
		breakers.RegisterFallback(breaker.Key(venue.Name(), "market_data"), tickers.Fallback)
		tracker.SetBound(breaker.Key(venue.Name(), "market_data"), 200*time.Millisecond)
	}

	// Risk engine with a seeded default rule on first boot
	riskEngine := risk.NewEngine(db, auditor, breakers)
	riskHandlers := risk.NewGinHandlers(riskEngine)
	seedDefaultRules(riskEngine)

	// Execution pipeline. Account state comes from the surrounding
	// system; this deployment serves a static snapshot.
	accounts := pipeline.AccountFunc(func(ctx context.Context, clientID string) (types.AccountState, error) {
		return types.AccountState{
			ClientID:        clientID,
			PortfolioValue:  1_000_000,
			AvailableFunds:  250_000,
			CurrentDrawdown: 0.02,
			Leverage:        1.5,
		}, nil
	})
	pipe := pipeline.NewPipeline(db, riskEngine, venues, breakers, tickers, tracker, auditor, accounts)
	pipeHandlers := pipeline.NewGinHandlers(pipe, auditor)

	// Reconciliation loop
	recon := reconciliation.NewService(db, pipe.DB(), venues, breakers, auditor)
	recon.Start(ctx)
	reconHandlers := reconciliation.NewGinHandlers(recon, auditor)

	// Export breaker positions to prometheus
	go exportBreakerStates(ctx, breakers)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authService, verifier, auditor, authHandlers, pipeHandlers, riskHandlers, reconHandlers, hub, tracker, breakers, venues, nonces)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	recon.Stop()
	nonces.Stop()
	cancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// seedDefaultRules installs a conservative position limit on an empty
// rules table so a fresh deployment is never entirely unguarded.
func seedDefaultRules(engine *risk.Engine) {
	rules, err := engine.DB().ListRules()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to list risk rules")
		return
	}
	if len(rules) > 0 {
		return
	}

	rule := &risk.Rule{
		RuleID:    "RULE_default_position_limit",
		Name:      "Default position limit",
		RuleType:  risk.RuleTypePosition,
		Threshold: 0.25,
		Action:    risk.ActionBlock,
		Priority:  100,
		Active:    true,
	}
	if err := engine.DB().CreateRule(rule); err != nil {
		zlog.Error().Err(err).Msg("Failed to seed default risk rule")
		return
	}
	zlog.Info().Str("rule_id", rule.RuleID).Msg("Seeded default risk rule")
}

// exportBreakerStates mirrors breaker positions into the prometheus
// gauge every few seconds.
func exportBreakerStates(ctx context.Context, breakers *breaker.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range breakers.Snapshots() {
				metrics.SetBreakerState(snap.Key, string(snap.State))
			}
		}
	}
}

// setupRoutes configures all API endpoints and their handlers
// Routes are grouped by the protection they need:
// - Auth routes: public token issuance
// - Trade-critical routes: JWT identity plus HMAC request signature
// - Read routes: JWT identity only
// - Internal routes: operator endpoints behind internal auth
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	verifier *signature.Verifier,
	auditor *audit.Writer,
	authHandlers *auth.GinHandlers,
	pipeHandlers *pipeline.GinHandlers,
	riskHandlers *risk.GinHandlers,
	reconHandlers *reconciliation.GinHandlers,
	hub *stream.Hub,
	tracker *metrics.Tracker,
	breakers *breaker.Registry,
	venues *exchange.Registry,
	nonces *signature.NonceStore,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler(tracker, breakers, venues, hub, nonces))
	router.GET("/ws", stream.ServeWS(hub))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Trade-critical routes: token plus request signature
		signed := v1.Group("")
		signed.Use(middleware.JWTAuth(authService), middleware.Signature(authService, verifier, auditor))
		{
			signed.POST("/orders", pipeHandlers.PlaceOrderHandler())
			signed.DELETE("/orders/:order_id", pipeHandlers.CancelOrderHandler())
			signed.POST("/strategies/:strategy_id/deploy", pipeHandlers.DeployStrategyHandler())
		}

		// Read routes: token only
		reads := v1.Group("")
		reads.Use(middleware.JWTAuth(authService))
		{
			reads.GET("/orders", pipeHandlers.ListOrdersHandler())
			reads.GET("/orders/:order_id", pipeHandlers.GetOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/risk/rules", riskHandlers.CreateRuleHandler())
			internal.GET("/risk/rules", riskHandlers.ListRulesHandler())
			internal.PUT("/risk/rules/:rule_id", riskHandlers.UpdateRuleHandler())
			internal.DELETE("/risk/rules/:rule_id", riskHandlers.DeactivateRuleHandler())

			internal.GET("/breakers", breakerListHandler(breakers))
			internal.POST("/breakers/:key/reset", breakerResetHandler(breakers, auditor))

			internal.POST("/reconciliation/run", reconHandlers.RunNowHandler())
			internal.GET("/reconciliation/discrepancies", reconHandlers.ListDiscrepanciesHandler())
			internal.POST("/reconciliation/discrepancies/:discrepancy_id/resolve", reconHandlers.ResolveDiscrepancyHandler())

			internal.GET("/audit/recent", auditRecentHandler(auditor))
		}
	}
}
