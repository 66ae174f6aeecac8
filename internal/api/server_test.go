package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeEngine struct {
	ws       bool
	store    bool
	reloaded int
	shutdown int
}

func (f *fakeEngine) Healthy(ctx context.Context) (bool, bool) { return f.ws, f.store }
func (f *fakeEngine) MetricsSnapshot() map[string]interface{} {
	return map[string]interface{}{"candles_processed": 42}
}
func (f *fakeEngine) ReloadStrategies(ctx context.Context) error { f.reloaded++; return nil }
func (f *fakeEngine) RequestShutdown()                           { f.shutdown++ }

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		ws, store  bool
		wantStatus int
	}{
		{"all healthy", true, true, http.StatusOK},
		{"ws down", false, true, http.StatusServiceUnavailable},
		{"store down", true, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeEngine{ws: tt.ws, store: tt.store}, 0)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(&fakeEngine{ws: true, store: true}, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["candles_processed"] != float64(42) {
		t.Errorf("metrics body = %v", body)
	}
}

func TestReloadEndpoint(t *testing.T) {
	engine := &fakeEngine{ws: true, store: true}
	s := NewServer(engine, 0)

	req := httptest.NewRequest(http.MethodPost, "/reload-strategies", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || engine.reloaded != 1 {
		t.Errorf("status=%d reloads=%d", w.Code, engine.reloaded)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	engine := &fakeEngine{ws: true, store: true}
	s := NewServer(engine, 0)

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// The shutdown request is dispatched asynchronously.
	deadline := time.Now().Add(time.Second)
	for engine.shutdown == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if engine.shutdown != 1 {
		t.Error("shutdown not requested")
	}
}
