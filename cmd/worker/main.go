package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/engine"
	"github.com/dvloznov/savings-engine/internal/events"
	"github.com/dvloznov/savings-engine/internal/logger"
	"github.com/dvloznov/savings-engine/internal/notify"
	"github.com/dvloznov/savings-engine/internal/overspend"
	"github.com/dvloznov/savings-engine/internal/store/sqlite"
)

// The worker replays a feed of financial events (one JSON object per line)
// through the full engine pass against the ledger database. Because every
// event carries its own id and processing is deduplicated, re-running the
// worker on the same feed is safe.
func main() {
	var (
		dbPath     = flag.String("db", envOr("SAVINGS_DB", "savings.db"), "SQLite database path (or set SAVINGS_DB env)")
		input      = flag.String("input", "-", "event feed file, one JSON event per line (- for stdin)")
		policyPath = flag.String("policy", os.Getenv("SAVINGS_POLICY"), "overspending policy YAML (defaults to the embedded policy)")
		shards     = flag.Int("shards", 4, "event queue shard count")
	)
	flag.Parse()

	log := logger.New()

	ledger, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open ledger store")
	}
	defer ledger.Close()

	policy, err := loadPolicy(*policyPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *policyPath).Msg("Failed to load overspending policy")
	}

	dispatcher := notify.NewAsyncDispatcher(
		&notify.LogDispatcher{Log: logger.For(log, "alerts")},
		64,
		logger.For(log, "notify"),
	)
	defer dispatcher.Close()

	eng := engine.New(ledger, overspend.NewDetector(policy), dispatcher, logger.For(log, "engine"))
	queue := events.NewQueue(*shards, 100, logger.For(log, "queue"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed, failed atomic.Int64
	handler := func(ctx context.Context, ev *domain.FinancialEvent) error {
		if _, err := eng.ProcessEvent(ctx, ev); err != nil {
			failed.Add(1)
			return err
		}
		processed.Add(1)
		return nil
	}

	log.Info().Int("shards", *shards).Msg("Starting event workers")
	if err := queue.Start(ctx, handler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event workers")
	}

	in, err := openInput(*input)
	if err != nil {
		log.Fatal().Err(err).Str("input", *input).Msg("Failed to open event feed")
	}
	defer in.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line, published, skipped := 0, 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev domain.FinancialEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Error().Err(err).Int("line", line).Msg("Skipping malformed event line")
			skipped++
			continue
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}

		if err := queue.Publish(ctx, &ev); err != nil {
			log.Fatal().Err(err).Int("line", line).Msg("Failed to enqueue event")
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed reading event feed")
	}

	// Stop drains everything still buffered through the workers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}

	log.Info().
		Int("lines", line).
		Int("published", published).
		Int("skipped", skipped).
		Int64("processed", processed.Load()).
		Int64("failed", failed.Load()).
		Msg("Event feed complete")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
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
