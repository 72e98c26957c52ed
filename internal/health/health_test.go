package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAdapter implements Adapter for testing
type mockAdapter struct {
	unavailable error
	name        string
	inUse       int64
	limit       int64
}

func (m *mockAdapter) Name() string                   { return m.name }
func (m *mockAdapter) Available() error               { return m.unavailable }
func (m *mockAdapter) DMAUsage() (inUse, limit int64) { return m.inUse, m.limit }

func source(adapters ...*mockAdapter) Source {
	return func() []Adapter {
		out := make([]Adapter, 0, len(adapters))
		for _, a := range adapters {
			out = append(out, a)
		}

		return out
	}
}

func TestCheckAdapter(t *testing.T) {
	tests := []struct {
		name     string
		adapter  *mockAdapter
		expected Status
	}{
		{name: "healthy", adapter: &mockAdapter{limit: 100, inUse: 10}, expected: StatusHealthy},
		{name: "resetting", adapter: &mockAdapter{unavailable: errors.New("reset in progress")}, expected: StatusDegraded},
		{name: "nearly full", adapter: &mockAdapter{limit: 100, inUse: 92}, expected: StatusDegraded},
		{name: "critically full", adapter: &mockAdapter{limit: 100, inUse: 99}, expected: StatusUnhealthy},
		{name: "no limit", adapter: &mockAdapter{inUse: 99}, expected: StatusHealthy},
	}

	checker := NewChecker(nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := checker.CheckAdapter(context.Background(), tt.adapter)
			assert.Equal(t, tt.expected, check.Status)
		})
	}
}

func TestCheckOverall(t *testing.T) {
	tests := []struct {
		name     string
		source   Source
		expected Status
	}{
		{name: "no adapters", source: source(), expected: StatusUnhealthy},
		{name: "nil source", source: nil, expected: StatusUnhealthy},
		{
			name:     "all healthy",
			source:   source(&mockAdapter{name: "a0"}, &mockAdapter{name: "a1"}),
			expected: StatusHealthy,
		},
		{
			name:     "one blocked",
			source:   source(&mockAdapter{name: "a0"}, &mockAdapter{name: "a1", unavailable: errors.New("blocked")}),
			expected: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewChecker(tt.source).Check(context.Background())
			assert.Equal(t, tt.expected, status.Status)
		})
	}
}

func TestCaching(t *testing.T) {
	checker := NewChecker(source(&mockAdapter{name: "a0"}))
	checker.cacheTTL = 100 * time.Millisecond
	ctx := context.Background()

	status1 := checker.Check(ctx)
	status2 := checker.Check(ctx)
	assert.Equal(t, status1.Timestamp, status2.Timestamp)

	time.Sleep(150 * time.Millisecond)

	status3 := checker.Check(ctx)
	assert.NotEqual(t, status1.Timestamp, status3.Timestamp)
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name         string
		source       Source
		expectedCode int
	}{
		{name: "ready", source: source(&mockAdapter{name: "a0", unavailable: errors.New("blocked")}, &mockAdapter{name: "a1"}), expectedCode: http.StatusOK},
		{name: "not ready", source: source(&mockAdapter{name: "a0", unavailable: errors.New("blocked")}), expectedCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(NewChecker(tt.source))

			req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
			w := httptest.NewRecorder()

			handler.ReadinessHandler(w, req)

			assert.Equal(t, tt.expectedCode, w.Code)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker(nil))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()

	handler.LivenessHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestDetailedHandler(t *testing.T) {
	handler := NewHandler(NewChecker(source(
		&mockAdapter{name: "a0"},
		&mockAdapter{name: "a1", unavailable: errors.New("reset in progress")},
	)))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.DetailedHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, StatusDegraded, response.Status)
	assert.Equal(t, "reset in progress", response.Checks["a1"].Message)
	assert.Equal(t, StatusHealthy, response.Checks["a0"].Status)
}
