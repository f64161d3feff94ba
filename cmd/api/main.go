package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/savings-engine/internal/api/handlers"
	"github.com/dvloznov/savings-engine/internal/api/middleware"
	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/engine"
	"github.com/dvloznov/savings-engine/internal/events"
	"github.com/dvloznov/savings-engine/internal/logger"
	"github.com/dvloznov/savings-engine/internal/notify"
	"github.com/dvloznov/savings-engine/internal/overspend"
	"github.com/dvloznov/savings-engine/internal/store/sqlite"
)

func main() {
	// Parse command-line flags
	var (
		port       = flag.String("port", "8080", "HTTP server port")
		dbPath     = flag.String("db", envOr("SAVINGS_DB", "savings.db"), "SQLite database path (or set SAVINGS_DB env)")
		policyPath = flag.String("policy", os.Getenv("SAVINGS_POLICY"), "overspending policy YAML (defaults to the embedded policy)")
		shards     = flag.Int("shards", 4, "event queue shard count")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()

	// Initialize storage
	ledger, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open ledger store")
	}
	defer ledger.Close()

	// Load the overspending policy
	policy, err := loadPolicy(*policyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *policyPath).Msg("Failed to load overspending policy")
	}
	log.Info().Int("version", policy.Version).Msg("Loaded overspending policy")

	// Alert dispatch is fire-and-forget behind a buffered queue
	dispatcher := notify.NewAsyncDispatcher(
		&notify.LogDispatcher{Log: logger.For(log, "alerts")},
		64,
		logger.For(log, "notify"),
	)
	defer dispatcher.Close()

	eng := engine.New(ledger, overspend.NewDetector(policy), dispatcher, logger.For(log, "engine"))

	// Initialize the async event queue
	queue := events.NewQueue(*shards, 100, logger.For(log, "queue"))

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	eventHandler := func(ctx context.Context, ev *domain.FinancialEvent) error {
		_, err := eng.ProcessEvent(ctx, ev)
		return err
	}

	go func() {
		log.Info().Int("shards", *shards).Msg("Starting event workers")
		if err := queue.Start(workerCtx, eventHandler); err != nil {
			log.Error().Err(err).Msg("Event workers stopped with error")
		}
	}()

	// Initialize handlers
	eventsHandler := handlers.NewEventsHandler(eng, ledger, queue, logger.For(log, "api"))
	rulesHandler := handlers.NewRulesHandler(ledger, logger.For(log, "api"))
	goalsHandler := handlers.NewGoalsHandler(ledger, eng, logger.For(log, "api"))

	// Create router
	mux := http.NewServeMux()

	// Events endpoints
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			eventsHandler.SubmitEvent(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/events/enqueue", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			eventsHandler.EnqueueEvent(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/events/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			eventID := strings.TrimPrefix(r.URL.Path, "/api/events/")
			if eventID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Event ID is required")
				return
			}
			eventsHandler.GetResult(w, r, eventID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/aggregates/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			userID := strings.TrimPrefix(r.URL.Path, "/api/aggregates/")
			if userID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "User ID is required")
				return
			}
			eventsHandler.GetAggregate(w, r, userID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Rules endpoints
	mux.HandleFunc("/api/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rulesHandler.CreateRule(w, r)
		case http.MethodGet:
			rulesHandler.ListRules(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/rules/templates", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			rulesHandler.ListTemplates(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/rules/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/rules/")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/toggle"):
			rulesHandler.ToggleRule(w, r, strings.TrimSuffix(rest, "/toggle"))
		case r.Method == http.MethodDelete && rest != "":
			rulesHandler.DeleteRule(w, r, rest)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Goals endpoints
	mux.HandleFunc("/api/goals", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			goalsHandler.CreateGoal(w, r)
		case http.MethodGet:
			goalsHandler.ListGoals(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/goals/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/goals/")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/add-money"):
			goalsHandler.AddMoney(w, r, strings.TrimSuffix(rest, "/add-money"))
		case r.Method == http.MethodGet && strings.HasSuffix(rest, "/contributions"):
			goalsHandler.ListContributions(w, r, strings.TrimSuffix(rest, "/contributions"))
		case r.Method == http.MethodDelete && rest != "":
			goalsHandler.DeleteGoal(w, r, rest)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(mux),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the queue: rejects new publishes and drains buffered events
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping event queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

func loadPolicy(path string) (*overspend.Policy, error) {
	if path == "" {
		return overspend.LoadEmbeddedPolicy()
	}
	return overspend.LoadPolicyFile(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
