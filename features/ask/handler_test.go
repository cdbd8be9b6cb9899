package ask_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"tubeqa/features/ask"
	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Ask(ctx context.Context, id, question string, cfg *answer.Config) (*answer.Answer, error) {
	args := m.Called(ctx, id, question, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*answer.Answer), args.Error(1)
}

func (m *MockEngine) MonitorRequest(ctx context.Context, id, question, reference string) (*answer.Answer, error) {
	args := m.Called(ctx, id, question, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*answer.Answer), args.Error(1)
}

func (m *MockEngine) Config() answer.Config {
	return answer.DefaultConfig()
}

func post(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/indexes/idx/ask", strings.NewReader(body))
	req.SetPathValue("id", "idx")
	return req
}

func TestHandler_Ask(t *testing.T) {
	t.Run("Monitored", func(t *testing.T) {
		e := new(MockEngine)
		e.On("MonitorRequest", mock.Anything, "idx", "what is a goroutine?", "a light thread").
			Return(&answer.Answer{Text: "a lightweight thread", CitedChunks: []answer.Citation{{ChunkID: "d#0"}}}, nil)
		h := ask.NewHandler(e)

		w := httptest.NewRecorder()
		h.Ask(w, post(`{"question":"what is a goroutine?","reference":"a light thread"}`))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "a lightweight thread")
		e.AssertExpectations(t)
	})

	t.Run("Config Override", func(t *testing.T) {
		e := new(MockEngine)
		e.On("Ask", mock.Anything, "idx", "q", mock.MatchedBy(func(c *answer.Config) bool {
			return c.TopK == 8 && c.Attempts == answer.DefaultConfig().Attempts
		})).Return(&answer.Answer{Text: "ok"}, nil)
		h := ask.NewHandler(e)

		w := httptest.NewRecorder()
		h.Ask(w, post(`{"question":"q","config":{"top_k":8}}`))

		assert.Equal(t, http.StatusOK, w.Code)
		e.AssertNotCalled(t, "MonitorRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Missing Question", func(t *testing.T) {
		w := httptest.NewRecorder()
		ask.NewHandler(new(MockEngine)).Ask(w, post(`{}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	errs := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.ErrNoRelevantContext, http.StatusUnprocessableEntity, "BUDGET_EXCEEDED"},
		{fmt.Errorf("%w: after 3 attempts: %w", apperr.ErrGenerationFailed, apperr.ErrTimeout), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{apperr.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{apperr.ErrIndexCorruption, http.StatusInternalServerError, "INDEX_CORRUPTION"},
	}
	for _, tt := range errs {
		t.Run(tt.code, func(t *testing.T) {
			e := new(MockEngine)
			e.On("MonitorRequest", mock.Anything, "idx", "q", "").Return(nil, tt.err)

			w := httptest.NewRecorder()
			ask.NewHandler(e).Ask(w, post(`{"question":"q"}`))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}
