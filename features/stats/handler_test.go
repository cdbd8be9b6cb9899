package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockIndexLister struct{ mock.Mock }

func (m *MockIndexLister) List() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockCounter struct{ mock.Mock }

func (m *MockCounter) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockIndexLister, *MockCounter, *MockCounter)
		wantStatus int
		wantError  bool
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(i *MockIndexLister, d *MockCounter, j *MockCounter) {
				i.On("List").Return([]string{"a", "b"}, nil)
				d.On("Count", mock.Anything).Return(10, nil)
				j.On("Count", mock.Anything).Return(5, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 2, data["indexes"])
				assert.EqualValues(t, 10, data["documents"])
				assert.EqualValues(t, 5, data["failed_jobs"])
			},
		},
		{
			name: "Index List Error",
			setupMocks: func(i *MockIndexLister, d *MockCounter, j *MockCounter) {
				i.On("List").Return(nil, errors.New("disk error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
		{
			name: "Document Count Error",
			setupMocks: func(i *MockIndexLister, d *MockCounter, j *MockCounter) {
				i.On("List").Return([]string{}, nil)
				d.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
		{
			name: "Job Count Error",
			setupMocks: func(i *MockIndexLister, d *MockCounter, j *MockCounter) {
				i.On("List").Return([]string{}, nil)
				d.On("Count", mock.Anything).Return(1, nil)
				j.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mIndex := new(MockIndexLister)
			mDocs := new(MockCounter)
			mJobs := new(MockCounter)
			tt.setupMocks(mIndex, mDocs, mJobs)

			h := NewHandler(mIndex, mDocs, mJobs)
			w := httptest.NewRecorder()
			h.GetStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

			resp := w.Result()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

			if tt.wantError {
				errMap := body["error"].(map[string]interface{})
				assert.Equal(t, "INTERNAL_ERROR", errMap["code"])
			} else {
				tt.checkBody(t, body)
			}
		})
	}
}

func TestHandler_GetStats_WithoutPostgres(t *testing.T) {
	mIndex := new(MockIndexLister)
	mIndex.On("List").Return([]string{"a"}, nil)

	w := httptest.NewRecorder()
	NewHandler(mIndex, nil, nil).GetStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"indexes":1,"documents":0,"failed_jobs":0}}`, w.Body.String())
}
