package evaluation_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"tubeqa/features/evaluation"
	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/eval"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Evaluate(ctx context.Context, id string, samples []eval.Sample, cfg *answer.Config) (*eval.Report, error) {
	args := m.Called(ctx, id, samples, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*eval.Report), args.Error(1)
}

func (m *MockEngine) Config() answer.Config {
	return answer.DefaultConfig()
}

func report() *eval.Report {
	return &eval.Report{
		RunID:     "run-1",
		Config:    answer.DefaultConfig(),
		StartedAt: time.Now(),
		Samples: []eval.SampleResult{
			{SampleID: "s1", Question: "q1", Answer: "a1", Metrics: map[string]float64{eval.MetricRougeLF: 0.5}},
		},
		Means:  map[string]float64{eval.MetricRougeLF: 0.5},
		Counts: map[string]int{eval.MetricRougeLF: 1},
	}
}

const body = `{"samples":[{"id":"s1","question":"q1","expected_answer":"a1"}]}`

func post(target, b string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(b))
	req.SetPathValue("id", "idx")
	return req
}

func TestHandler_Run(t *testing.T) {
	samples := []eval.Sample{{ID: "s1", Question: "q1", ExpectedAnswer: "a1"}}

	t.Run("JSON", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Evaluate", mock.Anything, "idx", samples, (*answer.Config)(nil)).Return(report(), nil)

		w := httptest.NewRecorder()
		evaluation.NewHandler(e).Run(w, post("/indexes/idx/evaluations", body))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"run_id":"run-1"`)
		e.AssertExpectations(t)
	})

	t.Run("CSV", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Evaluate", mock.Anything, "idx", samples, (*answer.Config)(nil)).Return(report(), nil)

		w := httptest.NewRecorder()
		evaluation.NewHandler(e).Run(w, post("/indexes/idx/evaluations?format=csv", body))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "evaluation-run-1.csv")
		rows, err := csv.NewReader(w.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, rows, 3)
		assert.Equal(t, "s1", rows[1][0])
	})

	t.Run("XLSX", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Evaluate", mock.Anything, "idx", samples, (*answer.Config)(nil)).Return(report(), nil)

		w := httptest.NewRecorder()
		evaluation.NewHandler(e).Run(w, post("/indexes/idx/evaluations?format=xlsx", body))

		assert.Equal(t, http.StatusOK, w.Code)
		f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
		require.NoError(t, err)
		defer f.Close()
		v, err := f.GetCellValue("Results", "A2")
		require.NoError(t, err)
		assert.Equal(t, "s1", v)
	})

	t.Run("Config Override", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Evaluate", mock.Anything, "idx", samples, mock.MatchedBy(func(c *answer.Config) bool {
			return c != nil && c.ContextBudget == 50
		})).Return(report(), nil)

		w := httptest.NewRecorder()
		evaluation.NewHandler(e).Run(w, post("/indexes/idx/evaluations",
			`{"samples":[{"id":"s1","question":"q1","expected_answer":"a1"}],"config":{"context_budget_words":50}}`))
		assert.Equal(t, http.StatusOK, w.Code)
		e.AssertExpectations(t)
	})

	t.Run("No Samples", func(t *testing.T) {
		w := httptest.NewRecorder()
		evaluation.NewHandler(new(MockEngine)).Run(w, post("/indexes/idx/evaluations", `{"samples":[]}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown Index", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Evaluate", mock.Anything, "idx", samples, (*answer.Config)(nil)).Return(nil, apperr.ErrNotFound)

		w := httptest.NewRecorder()
		evaluation.NewHandler(e).Run(w, post("/indexes/idx/evaluations", body))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
