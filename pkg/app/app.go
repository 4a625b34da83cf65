package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/mikeboe/apollo/pkg/clients"
	"github.com/mikeboe/apollo/pkg/config"
	"github.com/mikeboe/apollo/pkg/database"
	"github.com/mikeboe/apollo/pkg/embeddings"
	"github.com/mikeboe/apollo/pkg/knowledge"
	"github.com/mikeboe/apollo/pkg/research/agents"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/engine"
	"github.com/mikeboe/apollo/pkg/research/ingest"
	"github.com/mikeboe/apollo/pkg/research/orchestrator"
	"github.com/mikeboe/apollo/pkg/research/state"
	"github.com/mikeboe/apollo/pkg/research/synthesis"
	"github.com/mikeboe/apollo/pkg/research/tools"
	"github.com/mikeboe/apollo/pkg/server"
	"github.com/mikeboe/apollo/pkg/splitter"
	"github.com/mikeboe/apollo/pkg/vectorstore"
)

const generatorRetries = 3

// App holds the wired research runtime shared by the server and the CLI.
type App struct {
	Config    *config.Config
	DB        *database.PostgresDB
	Repo      *database.ResearchRepository
	State     *state.Store
	Knowledge *knowledge.Store
	Pipeline  *ingest.Pipeline
	Processor *engine.Processor
	Service   *server.Service
	Snapshots *server.Snapshotter
	Logger    *slog.Logger
}

// New connects to the database and the model APIs and wires every
// component. handler is the console handler; records carrying a job_id are
// also written to that job's logs.
func New(ctx context.Context, cfg *config.Config, handler slog.Handler) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	})
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, cfg, db, handler)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, db *database.PostgresDB, handler slog.Handler) (*App, error) {
	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	repo := database.NewResearchRepository(db)
	logger := slog.New(server.NewDBLogHandler(repo, slog.LevelInfo, handler))

	index, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		return nil, err
	}
	if err := index.EnsureTable(ctx, cfg.EmbeddingDimensions); err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}

	fastLLM, err := clients.GoogleAi(ctx, cfg.GoogleApiKey, clients.ModelType(cfg.FastModel))
	if err != nil {
		return nil, err
	}
	reasoningLLM, err := clients.GoogleAi(ctx, cfg.GoogleApiKey, clients.ModelType(cfg.ReasoningModel))
	if err != nil {
		return nil, err
	}
	answerGen := clients.NewGenerator(fastLLM, generatorRetries).WithLogger(logger)
	reportGen := clients.NewGenerator(reasoningLLM, generatorRetries).WithLogger(logger)

	agentModel, err := gemini.NewModel(ctx, cfg.ReasoningModel, &genai.ClientConfig{
		APIKey: cfg.GoogleApiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	kb := knowledge.New(index, embedder,
		splitter.NewRecursiveCharacterTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		answerGen, logger)

	snapshots := server.NewSnapshotter(repo, logger)
	store := state.NewStore(
		state.WithTTL(cfg.StateTTL),
		state.WithLogger(logger),
		state.WithObserver(snapshots.Observe),
	)

	pipelineOpts := []ingest.Option{ingest.WithLogger(logger)}
	if cfg.MistralApiKey != "" {
		pipelineOpts = append(pipelineOpts, ingest.WithFetcher(tools.NewPDFScraper(cfg.MistralApiKey)))
	} else {
		logger.Warn("MISTRAL_API_KEY not set, indexing abstracts only")
	}
	pipeline := ingest.New(store, kb, pipelineOpts...)

	synthOpts := []synthesis.Option{
		synthesis.WithParallelism(cfg.SynthesisParallelism),
		synthesis.WithChatSink(repo),
		synthesis.WithLogger(logger),
	}
	if cfg.NotifyWebhookURL != "" {
		synthOpts = append(synthOpts, synthesis.WithNotifier(server.NewWebhookNotifier(cfg.NotifyWebhookURL, logger)))
	}
	synth := synthesis.New(store, kb, reportGen, repo, synthOpts...)

	sessions := agents.NewSessions()
	search := tools.NewArxiv(cfg.SearchMaxResults, logger)
	policy := coordination.NewPolicy(store, logger)

	roster := func(jobID string, jobLogger *slog.Logger) ([]orchestrator.Agent, error) {
		return agents.NewRoster(jobID, agents.Deps{
			Model:       agentModel,
			Store:       store,
			Search:      search,
			Pipeline:    pipeline,
			Knowledge:   kb,
			Synthesizer: synth,
			Sessions:    sessions,
			Logger:      jobLogger,
		})
	}

	processor := engine.New(repo, repo, store, policy, roster, repo,
		engine.WithWorkers(cfg.Workers),
		engine.WithMaxTurns(cfg.MaxTurns),
		engine.WithLogger(logger),
		engine.WithRelease(sessions.Release),
	)

	return &App{
		Config:    cfg,
		DB:        db,
		Repo:      repo,
		State:     store,
		Knowledge: kb,
		Pipeline:  pipeline,
		Processor: processor,
		Service:   server.NewService(repo, processor, store, kb, logger),
		Snapshots: snapshots,
		Logger:    logger,
	}, nil
}

// Run drives the background workers until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.State.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Pipeline.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Snapshots.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Processor.Run(ctx)
	})
	return g.Wait()
}

func (a *App) Close() {
	a.Pipeline.Close()
	a.DB.Close()
}
