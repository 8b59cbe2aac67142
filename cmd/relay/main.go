package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pysugar/gemini-relay/internal/auth/credential"
	"github.com/pysugar/gemini-relay/internal/config"
	"github.com/pysugar/gemini-relay/internal/db"
	"github.com/pysugar/gemini-relay/internal/proxy/dispatch"
	"github.com/pysugar/gemini-relay/internal/proxy/handlers"
	"github.com/pysugar/gemini-relay/internal/proxy/middleware"
	"github.com/pysugar/gemini-relay/internal/proxy/monitor"
	"github.com/pysugar/gemini-relay/internal/upstream"
	"github.com/pysugar/gemini-relay/internal/version"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gemini-relay %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Load the credential pool
	store := credential.NewStore(database)
	records, err := store.Load(cfg.CredentialsDir, cfg.CredentialsJSON)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	if len(records) == 0 {
		log.Printf("⚠️ No credentials loaded; generation endpoints will fail until some are configured")
	}
	pool := credential.NewPool(records, store, time.Duration(cfg.RefreshMarginSeconds)*time.Second,
		credential.WithOAuthClient(cfg.ClientID, cfg.ClientSecret))

	// Initialize upstream client and dispatch engine
	upstreamClient := upstream.NewClient(
		upstream.WithBaseURL(cfg.CodeAssistEndpoint),
		upstream.WithPublicURL(cfg.PublicEndpoint),
		upstream.WithTimeout(time.Duration(cfg.UpstreamTimeoutSeconds)*time.Second),
	)
	engine := dispatch.NewEngine(pool, upstreamClient, cfg.RequireProjectID)
	mon := monitor.New(database)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q,"credentials":%d}`, version.Version, pool.Size())
	})

	auth := middleware.APIKeyAuth(cfg.AuthPassword)

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Post("/chat/completions", handlers.OpenAIChatHandler(engine, mon))
		r.Get("/models", handlers.OpenAIModelsHandler())
		r.Post("/embeddings", handlers.OpenAIEmbeddingsHandler(upstreamClient, cfg.EmbeddingAPIKey, mon))
	})

	// Anthropic-compatible API
	r.Route("/anthropic", func(r chi.Router) {
		r.Use(auth)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/messages", handlers.ClaudeMessagesHandler(engine, mon))
			r.Get("/models", handlers.ClaudeModelsHandler())
		})
	})

	// Native Gemini API
	r.Route("/v1beta", func(r chi.Router) {
		r.Use(auth)
		r.Route("/models", func(r chi.Router) {
			r.Get("/", handlers.GeminiModelsListHandler())
			r.Post("/{model}:generateContent", handlers.GeminiGenerateHandler(engine, mon))
			r.Post("/{model}:streamGenerateContent", handlers.GeminiStreamHandler(engine, mon))
			r.Post("/{model}:countTokens", handlers.GeminiCountTokensHandler(engine, mon))
			r.Post("/{model}:embedContent", handlers.GeminiEmbedContentHandler(upstreamClient, cfg.EmbeddingAPIKey, mon))
			r.Post("/{model}:batchEmbedContents", handlers.GeminiBatchEmbedHandler(upstreamClient, cfg.EmbeddingAPIKey, mon))
			r.Get("/{model}", handlers.GeminiGetModelHandler())
		})
	})

	// Request monitor
	r.Route("/monitor", func(r chi.Router) {
		r.Use(auth)
		r.Get("/stats", handlers.MonitorStatsHandler(mon))
		r.Get("/history", handlers.MonitorHistoryHandler(mon))
	})

	addr := cfg.Addr()
	log.Printf("🚀 gemini-relay %s starting on http://%s", version.Version, addr)
	log.Printf("🔌 OpenAI API: http://%s/v1", addr)
	log.Printf("🔌 Anthropic API: http://%s/anthropic/v1", addr)
	log.Printf("🔌 Gemini API: http://%s/v1beta", addr)
	log.Printf("📦 Credential pool: %d entries", pool.Size())

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
