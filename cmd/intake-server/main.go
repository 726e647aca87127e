// Command intake-server runs the vehicle intake HTTP service with
// duplicate detection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fleetform/intake/internal/config"
	"github.com/fleetform/intake/internal/dialogue"
	"github.com/fleetform/intake/internal/engine"
	"github.com/fleetform/intake/internal/importer"
	"github.com/fleetform/intake/internal/llm"
	"github.com/fleetform/intake/internal/normalize"
	"github.com/fleetform/intake/internal/server"
	"github.com/fleetform/intake/internal/storage"
	"github.com/fleetform/intake/internal/storage/postgres"
	"github.com/fleetform/intake/internal/storage/sqlite"
	"github.com/fleetform/intake/pkg/types"
)

// backend bundles the storage interfaces a single database connection
// provides.
type backend struct {
	store      storage.RecordStore
	candidates storage.CandidateSource
	embeddings storage.EmbeddingProvider
}

func main() {
	seedPath := flag.String("import", "", "Path to a YAML seed file to import before serving")
	flag.Parse()

	log.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	be, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer be.store.Close()

	embedder, err := llm.NewEmbeddingGenerator(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout,
	}, cfg.LLM.EmbeddingModel)
	if err != nil {
		log.Printf("Warning: embedding generator unavailable, duplicate detection degrades to plate matching: %v", err)
		embedder = nil
	}

	detector, err := engine.NewDedupEngine(engine.Config{
		SimilarityThreshold: cfg.Detection.SimilarityThreshold,
		EmbedTimeout:        cfg.Detection.EmbedTimeout,
	}, embedder, be.candidates)
	if err != nil {
		log.Fatalf("Failed to initialize duplicate detection: %v", err)
	}

	var collector *dialogue.Collector
	generator, err := llm.NewTextGenerator(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.ChatModel,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		log.Printf("Warning: text generator unavailable, chat endpoint disabled: %v", err)
	} else {
		collector, err = dialogue.NewCollector(generator)
		if err != nil {
			log.Fatalf("Failed to initialize dialogue collector: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *seedPath != "" {
		if err := importSeed(ctx, *seedPath, be, detector); err != nil {
			log.Fatalf("Seed import failed: %v", err)
		}
	}

	addr, _, err := server.Start(ctx, cfg, be.store, be.embeddings, detector, collector)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Intake service listening on http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second)
}

// openBackend opens the configured storage engine.
func openBackend(cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Engine {
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := sqlite.NewRecordStore(cfg.Storage.DataPath + "/intake.db")
		if err != nil {
			return nil, err
		}
		return &backend{
			store:      store,
			candidates: store,
			embeddings: sqlite.NewEmbeddingProvider(store.GetDB()),
		}, nil

	case "postgres":
		store, err := postgres.NewRecordStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:      store,
			candidates: store,
			embeddings: postgres.NewEmbeddingProvider(store.GetDB(), store.PgvectorAvailable()),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.Engine)
	}
}

// importSeed bulk-loads records from a YAML seed file, skipping entries that
// duplicate already-imported records.
func importSeed(ctx context.Context, path string, be *backend, detector *engine.DedupEngine) error {
	records, err := importer.LoadSeedFile(path)
	if err != nil {
		return err
	}

	imported, skipped := 0, 0
	for _, fields := range records {
		result, err := detector.DetectDuplicate(ctx, fields)
		if err != nil {
			return fmt.Errorf("checking seed record: %w", err)
		}
		if result.IsDuplicate {
			skipped++
			continue
		}

		now := time.Now().UTC()
		record := &types.VehicleRecord{
			ID:        uuid.NewString(),
			Fields:    fields,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if key, ok := normalize.PlateKey(fields); ok {
			record.PlateKey = key
		}
		if err := be.store.Store(ctx, record); err != nil {
			return fmt.Errorf("storing seed record: %w", err)
		}

		if vector, err := detector.EmbedRecord(ctx, fields); err == nil {
			if err := be.embeddings.StoreEmbedding(ctx, record.ID, vector, detector.EmbedderModel()); err != nil {
				log.Printf("Warning: seed record %s stored without embedding: %v", record.ID, err)
			}
		} else {
			log.Printf("Warning: seed record %s stored without embedding: %v", record.ID, err)
		}
		imported++
	}

	log.Printf("Seed import complete: %d imported, %d skipped as duplicates", imported, skipped)
	return nil
}
