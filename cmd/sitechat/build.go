package main

import (
	"context"
	"fmt"

	"github.com/zulandar/sitechat/internal/config"
	"github.com/zulandar/sitechat/internal/db"
	"github.com/zulandar/sitechat/internal/embed"
	"github.com/zulandar/sitechat/internal/fetch"
	"github.com/zulandar/sitechat/internal/generate"
	"github.com/zulandar/sitechat/internal/orchestration"
	"github.com/zulandar/sitechat/internal/retrieval"
	"github.com/zulandar/sitechat/internal/retrieval/gormstore"
	"github.com/zulandar/sitechat/internal/retrieval/memstore"
	"github.com/zulandar/sitechat/internal/retrieval/pgvector"
	"github.com/zulandar/sitechat/internal/retrieval/qdrant"
	"github.com/zulandar/sitechat/internal/tenant"
)

// app is the wired object graph shared by serve and ask.
type app struct {
	cfg      *config.Config
	store    retrieval.Store
	registry *tenant.Registry
	orch     *orchestration.Orchestrator
}

// Close releases the retrieval store.
func (a *app) Close() error {
	return a.store.Close()
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	emb, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg, emb)
	if err != nil {
		return nil, err
	}
	model, err := buildModel(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry, err := tenant.New(tenant.Opts{Store: store})
	if err != nil {
		store.Close()
		return nil, err
	}
	orch, err := orchestration.New(orchestration.Opts{
		Sessions: registry,
		Fetcher: fetch.NewHTTP(fetch.HTTPOpts{
			Timeout:   cfg.Fetch.Timeout(),
			MaxBytes:  cfg.Fetch.MaxBytes,
			UserAgent: cfg.Fetch.UserAgent,
		}),
		Model:               model,
		TopK:                cfg.Retrieval.TopK,
		HistoryWindow:       cfg.Chat.HistoryWindow,
		FallbackAnswer:      cfg.Chat.FallbackAnswer,
		DefaultConversation: cfg.Chat.DefaultConversation,
		Policy:              cfg.Ingest.Policy,
		GenerateTimeout:     cfg.LLM.Timeout(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, registry: registry, orch: orch}, nil
}

func buildEmbedder(cfg config.EmbeddingConfig) (embed.Embedder, error) {
	switch cfg.Provider {
	case config.EmbedderOpenAI:
		return embed.NewOpenAI(embed.OpenAIOpts{
			BaseURL: cfg.Endpoint,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
	default:
		return embed.NewHash(cfg.Dimensions)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, emb embed.Embedder) (retrieval.Store, error) {
	rc := cfg.Retrieval
	switch rc.Backend {
	case config.BackendMemory:
		return memstore.New(memstore.Opts{Embedder: emb, ChunkSize: rc.ChunkSize})
	case config.BackendMySQL:
		shared, err := db.OpenMySQL(rc.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to mysql: %w", err)
		}
		return gormstore.New(gormstore.Opts{Shared: shared, Embedder: emb, ChunkSize: rc.ChunkSize})
	case config.BackendQdrant:
		return qdrant.New(qdrant.Opts{
			URL:       rc.Qdrant.URL,
			APIKey:    rc.Qdrant.APIKey,
			Embedder:  emb,
			ChunkSize: rc.ChunkSize,
		})
	case config.BackendPGVector:
		return pgvector.New(ctx, pgvector.Opts{DSN: rc.PGVector.DSN, Embedder: emb, ChunkSize: rc.ChunkSize})
	default:
		return gormstore.New(gormstore.Opts{BaseDir: cfg.Storage.BaseDir, Embedder: emb, ChunkSize: rc.ChunkSize})
	}
}

func buildModel(cfg config.LLMConfig) (generate.Model, error) {
	switch cfg.Provider {
	case config.ProviderClaude:
		return &generate.Claude{
			Binary:       cfg.ClaudeBinary,
			SystemPrompt: cfg.SystemPrompt,
			Model:        cfg.Model,
		}, nil
	default:
		return generate.NewOpenAI(generate.OpenAIOpts{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			SystemPrompt: cfg.SystemPrompt,
		})
	}
}

// usesLocalStorage reports whether the backend keeps per-tenant
// directories under storage.base_dir.
func usesLocalStorage(cfg *config.Config) bool {
	return cfg.Retrieval.Backend == config.BackendSQLite
}
