// Package engine ties ingestion, retrieval, answering, evaluation and
// monitoring together behind index ids.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/eval"
	"tubeqa/internal/ingest"
	"tubeqa/internal/llm"
	"tubeqa/internal/monitor"
	"tubeqa/internal/retrieval"
	"tubeqa/internal/tracking"
	"tubeqa/internal/vector"
)

// Backend is an index implementation: the in-memory index or a remote
// vector database.
type Backend interface {
	ID() string
	Add(ctx context.Context, chunks ...corpus.Chunk) error
	Query(ctx context.Context, vec []float32, k int, f *vector.Filter) ([]vector.Scored, error)
}

// BackendFactory opens the backend for an index id.
type BackendFactory func(ctx context.Context, id string) (Backend, error)

func MemoryBackends(metric vector.Metric) BackendFactory {
	return func(ctx context.Context, id string) (Backend, error) {
		return vector.NewIndex(id, metric), nil
	}
}

// DocumentStore retains source documents so an index can be rebuilt.
type DocumentStore interface {
	SaveDocuments(ctx context.Context, indexID string, docs []corpus.Document) error
	ListDocuments(ctx context.Context, indexID string) ([]corpus.Document, error)
}

// DefaultsSource overlays runtime settings on the configured answer
// defaults.
type DefaultsSource interface {
	Defaults(ctx context.Context, base answer.Config) answer.Config
}

type Deps struct {
	Embedder  llm.Embedder
	Generator llm.Generator
	Backends  BackendFactory
	// Snapshots persists in-memory indexes. Nil for remote backends.
	Snapshots *vector.FileStore
	Documents DocumentStore
	Defaults  DefaultsSource
	QueryLog  *retrieval.QueryLogger
	Monitor   *monitor.Monitor
	Tracking  tracking.Sink
}

type Options struct {
	Answer          answer.Config
	Ingest          ingest.Options
	EvalConcurrency int
	// Faithfulness selects the judge: "embedding" or "generation".
	Faithfulness string
}

type Handle struct {
	ID        string `json:"id"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}

type Info struct {
	ID        string `json:"id"`
	Backend   string `json:"backend"`
	Chunks    int    `json:"chunks"`
	Documents int    `json:"documents,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

type Engine struct {
	deps     Deps
	opts     Options
	pipeline *ingest.Pipeline

	mu      sync.RWMutex
	indexes map[string]Backend
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Embedder == nil || deps.Generator == nil {
		return nil, fmt.Errorf("%w: embedder and generator are required", apperr.ErrInvalidConfig)
	}
	if deps.Backends == nil {
		deps.Backends = MemoryBackends(vector.MetricCosine)
	}
	if deps.Tracking == nil {
		deps.Tracking = tracking.Nop{}
	}
	if err := opts.Answer.Validate(); err != nil {
		return nil, err
	}
	p, err := ingest.NewPipeline(deps.Embedder, opts.Ingest)
	if err != nil {
		return nil, err
	}
	return &Engine{deps: deps, opts: opts, pipeline: p, indexes: map[string]Backend{}}, nil
}

func (e *Engine) register(b Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexes[b.ID()] = b
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, id)
}

func (e *Engine) lookup(id string) (Backend, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.indexes[id]
	return b, ok
}

// Create registers a new empty index. An empty id gets a generated one.
// An id already held in memory, in a snapshot, in a remote backend or by
// retained documents is rejected.
func (e *Engine) Create(ctx context.Context, id string) (Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	b, exists, err := e.stored(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	if exists {
		return Handle{}, fmt.Errorf("%w: index %s already exists", apperr.ErrInvalidConfig, id)
	}
	if b == nil {
		if b, err = e.deps.Backends(ctx, id); err != nil {
			return Handle{}, err
		}
	}
	e.register(b)
	return Handle{ID: id}, nil
}

// stored reports whether id names an existing index. For remote backends it
// also returns the opened backend so Create does not open it twice.
func (e *Engine) stored(ctx context.Context, id string) (Backend, bool, error) {
	if _, ok := e.lookup(id); ok {
		return nil, true, nil
	}

	var b Backend
	if e.deps.Snapshots != nil {
		ok, err := e.deps.Snapshots.Exists(id)
		if err != nil || ok {
			return nil, ok, err
		}
	} else {
		var err error
		if b, err = e.deps.Backends(ctx, id); err != nil {
			return nil, false, err
		}
		if c, ok := b.(counter); ok {
			n, err := c.Count(ctx)
			if err != nil {
				return nil, false, err
			}
			if n > 0 {
				return nil, true, nil
			}
		}
	}

	if e.deps.Documents != nil {
		docs, err := e.deps.Documents.ListDocuments(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("list retained documents: %w", err)
		}
		if len(docs) > 0 {
			return nil, true, nil
		}
	}
	return b, false, nil
}

// Ingest builds a new index from docs. A failed ingest leaves no index
// behind.
func (e *Engine) Ingest(ctx context.Context, docs []corpus.Document) (Handle, error) {
	if err := checkDocuments(docs); err != nil {
		return Handle{}, err
	}
	h, err := e.Create(ctx, "")
	if err != nil {
		return Handle{}, err
	}
	res, err := e.IngestInto(ctx, h.ID, docs)
	if err != nil {
		e.unregister(h.ID)
		return Handle{}, err
	}
	return res, nil
}

func checkDocuments(docs []corpus.Document) error {
	if len(docs) == 0 {
		return fmt.Errorf("%w: no documents", apperr.ErrEmptyDocument)
	}
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: duplicate document id %q", apperr.ErrInvalidConfig, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// IngestInto adds docs to an existing index. Documents are retained first
// when a document store is configured.
func (e *Engine) IngestInto(ctx context.Context, id string, docs []corpus.Document) (Handle, error) {
	b, err := e.Get(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	if err := checkDocuments(docs); err != nil {
		return Handle{}, err
	}
	if e.deps.Documents != nil {
		if err := e.deps.Documents.SaveDocuments(ctx, id, docs); err != nil {
			return Handle{}, fmt.Errorf("retain documents: %w", err)
		}
	}

	res, err := e.pipeline.Run(ctx, b, docs)
	if err != nil {
		return Handle{}, err
	}
	return Handle{ID: id, Documents: res.Documents, Chunks: res.Chunks}, nil
}

// Get returns a registered index, opening it from durable state if needed.
func (e *Engine) Get(ctx context.Context, id string) (Backend, error) {
	if b, ok := e.lookup(id); ok {
		return b, nil
	}
	h, err := e.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	b, _ := e.lookup(h.ID)
	return b, nil
}

type counter interface {
	Count(ctx context.Context) (int, error)
}

// Open loads an index from its snapshot or remote backend. A corrupt or
// missing index is rebuilt from retained documents when there are any.
func (e *Engine) Open(ctx context.Context, id string) (Handle, error) {
	var cause error
	if e.deps.Snapshots != nil {
		ix, err := e.deps.Snapshots.Open(id)
		if err == nil {
			e.register(ix)
			return Handle{ID: id, Chunks: ix.Len(), Documents: len(ix.DocumentIDs())}, nil
		}
		if !errors.Is(err, apperr.ErrIndexCorruption) && !errors.Is(err, apperr.ErrNotFound) {
			return Handle{}, err
		}
		cause = err
	} else {
		b, err := e.deps.Backends(ctx, id)
		if err != nil {
			return Handle{}, err
		}
		if c, ok := b.(counter); ok {
			n, err := c.Count(ctx)
			if err != nil {
				return Handle{}, err
			}
			if n > 0 {
				e.register(b)
				return Handle{ID: id, Chunks: n}, nil
			}
		}
		cause = fmt.Errorf("index %s: %w", id, apperr.ErrNotFound)
	}

	if errors.Is(cause, apperr.ErrIndexCorruption) {
		slog.ErrorContext(ctx, "index snapshot corrupt", "index_id", id, "error", cause)
	}
	return e.rebuild(ctx, id, cause)
}

func (e *Engine) rebuild(ctx context.Context, id string, cause error) (Handle, error) {
	if e.deps.Documents == nil {
		return Handle{}, cause
	}
	docs, err := e.deps.Documents.ListDocuments(ctx, id)
	if err != nil {
		return Handle{}, fmt.Errorf("list retained documents: %w", err)
	}
	if len(docs) == 0 {
		return Handle{}, cause
	}

	slog.InfoContext(ctx, "rebuilding index from retained documents", "index_id", id, "documents", len(docs))
	b, err := e.deps.Backends(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	res, err := e.pipeline.Run(ctx, b, docs)
	if err != nil {
		return Handle{}, fmt.Errorf("rebuild %s: %w", id, err)
	}
	e.register(b)

	if ix, ok := b.(*vector.Index); ok && e.deps.Snapshots != nil {
		if err := e.deps.Snapshots.Save(ix); err != nil {
			slog.WarnContext(ctx, "failed to save rebuilt snapshot", "index_id", id, "error", err)
		}
	}
	return Handle{ID: id, Documents: res.Documents, Chunks: res.Chunks}, nil
}

// Snapshot persists an in-memory index.
func (e *Engine) Snapshot(ctx context.Context, id string) error {
	b, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	ix, ok := b.(*vector.Index)
	if !ok || e.deps.Snapshots == nil {
		return fmt.Errorf("%w: index %s is not snapshotted locally", apperr.ErrInvalidConfig, id)
	}
	ix.Compact()
	return e.deps.Snapshots.Save(ix)
}

func (e *Engine) Info(ctx context.Context, id string) (Info, error) {
	b, err := e.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	switch ix := b.(type) {
	case *vector.Index:
		return Info{
			ID:        id,
			Backend:   "memory",
			Chunks:    ix.Len(),
			Documents: len(ix.DocumentIDs()),
			Dimension: ix.Dimension(),
		}, nil
	case counter:
		n, err := ix.Count(ctx)
		if err != nil {
			return Info{}, err
		}
		return Info{ID: id, Backend: "remote", Chunks: n}, nil
	default:
		return Info{ID: id, Backend: "remote"}, nil
	}
}

// List returns the ids of open and snapshotted indexes.
func (e *Engine) List() ([]string, error) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.indexes))
	for id := range e.indexes {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	if e.deps.Snapshots != nil {
		stored, err := e.deps.Snapshots.List()
		if err != nil {
			return nil, err
		}
		ids = append(ids, stored...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Answerer builds the answering pipeline for an index. A nil cfg uses the
// engine default with runtime settings applied.
func (e *Engine) Answerer(ctx context.Context, id string, cfg *answer.Config) (*answer.Orchestrator, error) {
	b, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c := e.opts.Answer
	if cfg != nil {
		c = *cfg
	} else if e.deps.Defaults != nil {
		c = e.deps.Defaults.Defaults(ctx, c)
	}
	r := retrieval.NewService(e.deps.Embedder, b, e.deps.QueryLog)
	return answer.NewOrchestrator(r, e.deps.Generator, c)
}

func (e *Engine) Ask(ctx context.Context, id, question string, cfg *answer.Config) (*answer.Answer, error) {
	o, err := e.Answerer(ctx, id, cfg)
	if err != nil {
		return nil, err
	}
	return o.Answer(ctx, question)
}

func (e *Engine) Evaluate(ctx context.Context, id string, samples []eval.Sample, cfg *answer.Config) (*eval.Report, error) {
	o, err := e.Answerer(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	var judge eval.Judge
	if e.opts.Faithfulness == "generation" {
		judge = eval.NewGenerationJudge(e.deps.Generator, o.DescribeConfig().GenerationParams())
	}
	h := eval.NewHarness(o, e.deps.Embedder, eval.Options{
		Concurrency: e.opts.EvalConcurrency,
		Judge:       judge,
		Sink:        e.deps.Tracking,
		RunName:     "evaluation-" + id,
	})
	return h.Run(ctx, samples)
}

// MonitorRequest answers like Ask and records the request with the monitor.
func (e *Engine) MonitorRequest(ctx context.Context, id, question, reference string) (*answer.Answer, error) {
	o, err := e.Answerer(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if e.deps.Monitor == nil {
		return o.Answer(ctx, question)
	}
	return e.deps.Monitor.Ask(ctx, o, question, reference)
}

func (e *Engine) Monitor() *monitor.Monitor {
	return e.deps.Monitor
}

// Config is the default answering configuration.
func (e *Engine) Config() answer.Config {
	return e.opts.Answer
}
