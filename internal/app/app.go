package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"tubeqa/features/ask"
	"tubeqa/features/document"
	"tubeqa/features/evaluation"
	"tubeqa/features/index"
	"tubeqa/features/job"
	"tubeqa/features/monitoring"
	"tubeqa/features/stats"
	"tubeqa/internal/adapter/transcript"
	wstore "tubeqa/internal/adapter/weaviate"
	"tubeqa/internal/answer"
	"tubeqa/internal/config"
	"tubeqa/internal/engine"
	"tubeqa/internal/ingest"
	"tubeqa/internal/llm"
	"tubeqa/internal/middleware"
	"tubeqa/internal/monitor"
	"tubeqa/internal/retrieval"
	"tubeqa/internal/settings"
	"tubeqa/internal/text"
	"tubeqa/internal/tracking"
	"tubeqa/internal/vector"
	"tubeqa/internal/worker"
)

type App struct {
	Handler     http.Handler
	Engine      *engine.Engine
	Consumer    *worker.IngestConsumer
	Monitor     *monitor.Monitor
	Transcripts ingest.TranscriptSource

	cfg     *config.Config
	closers []io.Closer
}

func New(ctx context.Context, cfg *config.Config, deps *Dependencies) (*App, error) {
	a := &App{cfg: cfg}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	// Feature: Settings
	var settingsService *settings.Service
	if deps.DB != nil {
		settingsService = settings.NewService(settings.NewPostgresRepo(deps.DB))
		seedGeminiKey(ctx, settingsService, cfg.GeminiAPIKey)
	}

	// Adapters
	embedder, closers, err := buildEmbedder(ctx, cfg, settingsService)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return fail(err)
	}
	generator, closers, err := buildGenerator(ctx, cfg)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return fail(err)
	}
	fetcher := transcript.NewFetcher(cfg.TranscriptBaseURL, cfg.TranscriptLang, nil)
	a.Transcripts = fetcher

	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	// Monitoring
	mon, closers, err := buildMonitor(cfg, deps, embedder)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return fail(err)
	}
	a.Monitor = mon

	// Engine
	engineDeps := engine.Deps{
		Embedder:  embedder,
		Generator: generator,
		QueryLog:  queryLogger,
		Monitor:   mon,
	}
	if settingsService != nil {
		engineDeps.Defaults = settingsService
	}
	var documentRepo *document.PostgresRepo
	if deps.DB != nil {
		documentRepo = document.NewPostgresRepo(deps.DB)
		engineDeps.Documents = documentRepo
		engineDeps.Tracking = tracking.NewPostgresSink(deps.DB)
	} else {
		sink, err := tracking.NewFileSink(cfg.TrackingDir)
		if err != nil {
			return fail(fmt.Errorf("tracking sink: %w", err))
		}
		engineDeps.Tracking = sink
	}
	if deps.Weaviate != nil {
		client := deps.Weaviate
		engineDeps.Backends = func(ctx context.Context, id string) (engine.Backend, error) {
			return wstore.NewStore(client, id), nil
		}
	} else {
		store, err := vector.NewFileStore(cfg.SnapshotDir)
		if err != nil {
			return fail(fmt.Errorf("snapshot store: %w", err))
		}
		engineDeps.Snapshots = store
	}

	eng, err := engine.New(engineDeps, engine.Options{
		Answer:          AnswerConfig(cfg),
		Ingest:          IngestOptions(cfg),
		EvalConcurrency: cfg.EvalConcurrency,
		Faithfulness:    cfg.EvalFaithfulness,
	})
	if err != nil {
		return fail(err)
	}
	a.Engine = eng

	// Queue
	var publisher index.EventPublisher
	var jobService *job.Service
	if deps.NSQProducer != nil {
		publisher = &sizedPublisher{pub: deps.NSQProducer, max: cfg.NSQMaxMsgSize}
	}
	if deps.DB != nil && publisher != nil {
		jobService = job.NewService(job.NewPostgresRepo(deps.DB), publisher)
	}

	var failedJobs worker.FailedJobSaver
	if jobService != nil {
		failedJobs = jobService
	}
	a.Consumer = worker.NewIngestConsumer(eng, fetcher, failedJobs, 5)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.HeaderCorrelationID)

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}
	route := func(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(enableCORS(h)))
	}

	// Routes
	mux := http.NewServeMux()

	indexHandler := index.NewHandler(eng, fetcher, publisher)
	route(mux, "POST /indexes", indexHandler.Create)
	route(mux, "GET /indexes", indexHandler.List)
	route(mux, "GET /indexes/{id}", indexHandler.Get)
	route(mux, "POST /indexes/{id}/snapshot", indexHandler.Snapshot)
	route(mux, "POST /indexes/{id}/documents", indexHandler.AddDocuments)

	askHandler := ask.NewHandler(eng)
	route(mux, "POST /indexes/{id}/ask", askHandler.Ask)

	evaluationHandler := evaluation.NewHandler(eng)
	route(mux, "POST /indexes/{id}/evaluations", evaluationHandler.Run)

	monitoringHandler := monitoring.NewHandler(mon)
	route(mux, "GET /monitor", monitoringHandler.Get)

	var documentCounter, jobCounter stats.Counter
	if documentRepo != nil {
		documentHandler := document.NewHandler(documentRepo)
		route(mux, "GET /indexes/{id}/documents", documentHandler.List)
		documentCounter = documentRepo
	}
	if settingsService != nil {
		settingsHandler := settings.NewHandler(settingsService)
		route(mux, "GET /settings", settingsHandler.GetSettings)
		route(mux, "PUT /settings", settingsHandler.UpdateSettings)
	}
	if jobService != nil {
		jobHandler := job.NewHandler(jobService)
		route(mux, "GET /jobs/failed", jobHandler.List)
		route(mux, "POST /jobs/{id}/retry", jobHandler.Retry)
		jobCounter = jobService
	}

	statsHandler := stats.NewHandler(eng, documentCounter, jobCounter)
	route(mux, "GET /stats", statsHandler.GetStats)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

func buildMonitor(cfg *config.Config, deps *Dependencies, embedder llm.Embedder) (*monitor.Monitor, []io.Closer, error) {
	detector, err := monitor.NewDetector(cfg.DriftDetector)
	if err != nil {
		return nil, nil, err
	}

	var closers []io.Closer
	sinks := []monitor.Sink{monitor.NewOtelSink()}
	if cfg.MetricsLogPath != "" {
		fileSink, err := monitor.NewFileSink(cfg.MetricsLogPath)
		if err != nil {
			return nil, nil, fmt.Errorf("metrics log: %w", err)
		}
		sinks = append(sinks, fileSink)
		closers = append(closers, fileSink)
	}
	if deps.DB != nil {
		sinks = append(sinks, monitor.NewPostgresSink(deps.DB))
	}

	return monitor.New(monitor.Options{
		Window:        cfg.MonitorWindow,
		QueueSize:     cfg.MonitorQueue,
		Detector:      detector,
		Threshold:     cfg.DriftThreshold,
		CheckInterval: cfg.DriftInterval,
		Sinks:         sinks,
		Embedder:      embedder,
	}), closers, nil
}

// AnswerConfig is the default answering pipeline described by cfg.
func AnswerConfig(cfg *config.Config) answer.Config {
	c := answer.DefaultConfig()
	c.Model = cfg.GenerationModel
	c.Temperature = cfg.GenerationTemperature
	c.MaxTokens = cfg.GenerationMaxTokens
	c.TopK = cfg.RetrievalTopK
	c.MinScore = cfg.RetrievalMinScore
	c.ContextBudget = cfg.ContextBudgetWords
	c.Attempts = cfg.GenerationAttempts
	c.AttemptTimeout = cfg.GenerationTimeout
	c.Backoff = cfg.GenerationBackoff
	return c
}

func IngestOptions(cfg *config.Config) ingest.Options {
	o := ingest.DefaultOptions()
	o.Chunking = text.Options{MaxChunkSize: cfg.ChunkMaxWords, Overlap: cfg.ChunkOverlapWords}
	o.Concurrency = cfg.IngestionConcurrency
	o.RPM = cfg.EmbeddingRPM
	o.Clean = cfg.IngestCleanTranscripts
	return o
}

func seedGeminiKey(ctx context.Context, svc *settings.Service, key string) {
	if key == "" {
		return
	}
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.GeminiAPIKey != "" {
		return
	}
	set.GeminiAPIKey = key
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
		return
	}
	slog.Info("seeded gemini api key from environment")
}

// sizedPublisher rejects messages nsqd would refuse.
type sizedPublisher struct {
	pub interface {
		Publish(topic string, body []byte) error
	}
	max int64
}

func (p *sizedPublisher) Publish(topic string, body []byte) error {
	if p.max > 0 && int64(len(body)) > p.max {
		return fmt.Errorf("message of %d bytes exceeds NSQ_MAX_MSG_SIZE %d", len(body), p.max)
	}
	return p.pub.Publish(topic, body)
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Monitor.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// In-flight requests still record metrics until Shutdown returns.
	<-stopped
	return nil
}

// RunWorker consumes asynchronous ingestion messages until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxAttempts = 5
	consumer, err := nsq.NewConsumer(config.TopicIngestDocument, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddHandler(a.Consumer)
	if a.cfg.NSQLookupd != "" {
		if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
			return fmt.Errorf("failed to connect to NSQLookupd: %w", err)
		}
	} else if err := consumer.ConnectToNSQD(a.cfg.NSQDHost); err != nil {
		return fmt.Errorf("failed to connect to nsqd: %w", err)
	}
	slog.Info("NSQ ingest consumer connected", "topic", config.TopicIngestDocument, "channel", config.ChannelIngestWorker)

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

func (a *App) Close() {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
}
