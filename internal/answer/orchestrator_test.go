package answer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/llm"
	"tubeqa/internal/retrieval"
	"tubeqa/internal/vector"
)

type MockRetriever struct{ mock.Mock }

func (m *MockRetriever) Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]vector.Scored, error) {
	args := m.Called(ctx, query, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Scored), args.Error(1)
}

// scriptedGenerator replays errs in order, then answers with reply.
type scriptedGenerator struct {
	mu      sync.Mutex
	errs    []error
	reply   string
	calls   int
	prompts []string
	block   bool
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, p llm.Params) (string, error) {
	g.mu.Lock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	n := g.calls
	g.mu.Unlock()

	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= len(g.errs) {
		return "", g.errs[n-1]
	}
	return g.reply, nil
}

func hit(doc string, seq int, text string, score float64) vector.Scored {
	return vector.Scored{
		Chunk: corpus.Chunk{DocumentID: doc, SequenceIndex: seq, Text: text, URL: "https://youtu.be/" + doc, StartTime: 65 * time.Second},
		Score: score,
	}
}

func testConfig() answer.Config {
	cfg := answer.DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.AttemptTimeout = time.Second
	return cfg
}

func newOrchestrator(t *testing.T, r answer.Retriever, g llm.Generator, cfg answer.Config) *answer.Orchestrator {
	o, err := answer.NewOrchestrator(r, g, cfg)
	require.NoError(t, err)
	return o
}

func TestOrchestrator_Answer(t *testing.T) {
	r := new(MockRetriever)
	r.On("Retrieve", mock.Anything, "what are goroutines?", mock.MatchedBy(func(o retrieval.Options) bool { return o.K == 4 })).
		Return([]vector.Scored{
			hit("v1", 2, "goroutines are lightweight threads", 0.9),
			hit("v2", 0, "channels connect goroutines", 0.7),
		}, nil)
	g := &scriptedGenerator{reply: "Lightweight threads [1]."}

	o := newOrchestrator(t, r, g, testConfig())
	ans, err := o.Answer(context.Background(), "what are goroutines?")
	require.NoError(t, err)

	assert.Equal(t, "Lightweight threads [1].", ans.Text)
	assert.Equal(t, 1, ans.Attempts)
	assert.False(t, ans.ContextTruncated)
	assert.Equal(t, 7, ans.ContextWords)
	require.Len(t, ans.CitedChunks, 2)
	assert.Equal(t, "v1#2", ans.CitedChunks[0].ChunkID)
	assert.Equal(t, "https://youtu.be/v1?t=65s", ans.CitedChunks[0].Link)
	assert.Equal(t, "gemini-1.5-flash", ans.Params.Model)
	assert.Positive(t, ans.Latency)

	prompt := g.prompts[0]
	assert.Contains(t, prompt, "[1] goroutines are lightweight threads")
	assert.Contains(t, prompt, "[2] channels connect goroutines")
	assert.Contains(t, prompt, "Question: what are goroutines?")
	assert.Less(t, strings.Index(prompt, "[1]"), strings.Index(prompt, "[2]"))
}

func TestOrchestrator_PromptIsDeterministic(t *testing.T) {
	r := new(MockRetriever)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return([]vector.Scored{hit("v", 0, "a b c", 1)}, nil)
	g := &scriptedGenerator{reply: "ok"}
	o := newOrchestrator(t, r, g, testConfig())

	for i := 0; i < 3; i++ {
		_, err := o.Answer(context.Background(), "q")
		require.NoError(t, err)
	}
	assert.Equal(t, g.prompts[0], g.prompts[1])
	assert.Equal(t, g.prompts[1], g.prompts[2])
}

func TestOrchestrator_ContextBudget(t *testing.T) {
	results := []vector.Scored{
		hit("v", 0, "one two three four", 0.9),
		hit("v", 1, "five six seven", 0.8),
		hit("v", 2, "eight", 0.7),
	}

	t.Run("Lower Ranked Dropped Whole", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		cfg := testConfig()
		cfg.ContextBudget = 6
		g := &scriptedGenerator{reply: "ok"}

		ans, err := newOrchestrator(t, r, g, cfg).Answer(context.Background(), "q")
		require.NoError(t, err)
		assert.True(t, ans.ContextTruncated)
		assert.Equal(t, 4, ans.ContextWords)
		require.Len(t, ans.CitedChunks, 1)
		assert.NotContains(t, g.prompts[0], "five")
		assert.NotContains(t, g.prompts[0], "eight")
	})

	t.Run("Top Chunk Truncated", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		cfg := testConfig()
		cfg.ContextBudget = 2
		g := &scriptedGenerator{reply: "ok"}

		ans, err := newOrchestrator(t, r, g, cfg).Answer(context.Background(), "q")
		require.NoError(t, err)
		assert.True(t, ans.ContextTruncated)
		assert.Equal(t, 2, ans.ContextWords)
		require.Len(t, ans.CitedChunks, 1)
		assert.Equal(t, "one two", ans.CitedChunks[0].Text)
	})

	t.Run("Zero Budget", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		cfg := testConfig()
		cfg.ContextBudget = 0
		g := &scriptedGenerator{reply: "ok"}

		_, err := newOrchestrator(t, r, g, cfg).Answer(context.Background(), "q")
		assert.True(t, errors.Is(err, apperr.ErrContextBudgetExceeded))
		assert.Zero(t, g.calls)
	})
}

func TestOrchestrator_NoRelevantContext(t *testing.T) {
	r := new(MockRetriever)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return([]vector.Scored{}, nil)
	g := &scriptedGenerator{reply: "ok"}

	_, err := newOrchestrator(t, r, g, testConfig()).Answer(context.Background(), "q")
	assert.True(t, errors.Is(err, apperr.ErrNoRelevantContext))
	assert.Zero(t, g.calls)
}

func TestOrchestrator_RetrievalErrorPassesThrough(t *testing.T) {
	r := new(MockRetriever)
	r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(nil, apperr.ErrEmbeddingFailed)

	_, err := newOrchestrator(t, r, &scriptedGenerator{}, testConfig()).Answer(context.Background(), "q")
	assert.True(t, errors.Is(err, apperr.ErrEmbeddingFailed))
}

func TestOrchestrator_Retries(t *testing.T) {
	results := []vector.Scored{hit("v", 0, "context", 1)}

	t.Run("Always Timeout Exhausts Attempts", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		g := &scriptedGenerator{errs: []error{apperr.ErrTimeout, apperr.ErrTimeout, apperr.ErrTimeout, apperr.ErrTimeout}}
		cfg := testConfig()
		cfg.Attempts = 3

		_, err := newOrchestrator(t, r, g, cfg).Answer(context.Background(), "q")
		assert.True(t, errors.Is(err, apperr.ErrGenerationFailed))
		assert.Equal(t, 3, g.calls)
	})

	t.Run("Per Attempt Deadline", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		g := &scriptedGenerator{block: true}
		cfg := testConfig()
		cfg.Attempts = 2
		cfg.AttemptTimeout = 10 * time.Millisecond

		_, err := newOrchestrator(t, r, g, cfg).Answer(context.Background(), "q")
		assert.True(t, errors.Is(err, apperr.ErrGenerationFailed))
		assert.True(t, errors.Is(err, apperr.ErrTimeout))
		assert.Equal(t, 2, g.calls)
	})

	t.Run("Transient Then Success", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		g := &scriptedGenerator{errs: []error{apperr.ErrRateLimited}, reply: "fine"}

		ans, err := newOrchestrator(t, r, g, testConfig()).Answer(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, "fine", ans.Text)
		assert.Equal(t, 2, ans.Attempts)
	})

	t.Run("Invalid Request Not Retried", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		g := &scriptedGenerator{errs: []error{apperr.ErrInvalidRequest}, reply: "never"}

		_, err := newOrchestrator(t, r, g, testConfig()).Answer(context.Background(), "q")
		assert.True(t, errors.Is(err, apperr.ErrGenerationFailed))
		assert.True(t, errors.Is(err, apperr.ErrInvalidRequest))
		assert.Equal(t, 1, g.calls)
	})

	t.Run("Empty Answer Is Failure", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(results, nil)
		g := &scriptedGenerator{reply: "  "}

		_, err := newOrchestrator(t, r, g, testConfig()).Answer(context.Background(), "q")
		assert.True(t, errors.Is(err, apperr.ErrGenerationFailed))
	})
}

func TestConfig(t *testing.T) {
	t.Run("Default Is Valid", func(t *testing.T) {
		assert.NoError(t, answer.DefaultConfig().Validate())
	})

	t.Run("Invalid", func(t *testing.T) {
		cases := map[string]func(*answer.Config){
			"no model":      func(c *answer.Config) { c.Model = "" },
			"zero attempts": func(c *answer.Config) { c.Attempts = 0 },
			"hot":           func(c *answer.Config) { c.Temperature = 5 },
			"bad template":  func(c *answer.Config) { c.PromptTemplate = "{{.Question" },
		}
		for name, mutate := range cases {
			cfg := answer.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, apperr.ErrInvalidConfig), name)

			_, err = answer.NewOrchestrator(new(MockRetriever), &scriptedGenerator{}, cfg)
			assert.Error(t, err, name)
		}
	})

	t.Run("Describe And Params", func(t *testing.T) {
		cfg := testConfig()
		o := newOrchestrator(t, new(MockRetriever), &scriptedGenerator{}, cfg)
		assert.Equal(t, cfg, o.DescribeConfig())

		p := cfg.Params()
		assert.Equal(t, "1", p["config_version"])
		assert.Equal(t, "gemini-1.5-flash", p["model"])
		assert.Equal(t, "0.2", p["temperature"])
		assert.Equal(t, cfg.PromptTemplate, p["prompt_template"])
	})
}
