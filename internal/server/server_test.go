package server_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/internal/server"
	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/relay"
	"github.com/emerry-tsun/JMA/pkg/storage"
)

func setupServer(t *testing.T) (*server.Server, *storage.SQLite) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := t.Context()
	state := model.NewAreaState("1310100")
	state.Set(model.TierWarning).Add(3)
	state.ReportTime = time.Date(2024, 7, 1, 1, 5, 0, 0, time.UTC)
	require.NoError(t, store.PutAreaState(ctx, state))

	for i, status := range []model.DeliveryStatus{model.DeliverySent, model.DeliveryFailed, model.DeliverySent} {
		require.NoError(t, store.RecordDelivery(ctx, &model.Delivery{
			ID:        "d" + string(rune('1'+i)),
			RunID:     "run-1",
			Account:   "chiyoda-warning",
			AreaCode:  "1310100",
			Tier:      model.TierWarning,
			Lang:      model.LangJA,
			Text:      "【千代田区：警報】",
			Attempts:  1,
			Status:    status,
			CreatedAt: state.ReportTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	metrics := observability.NewMetricsForTesting()
	metrics.Runs.WithLabelValues("success").Inc()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return server.NewServer(store, metrics.Gatherer(), logger), store
}

func get(t *testing.T, srv *server.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv, _ := setupServer(t)
	w := get(t, srv, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestServer_Ready(t *testing.T) {
	srv, _ := setupServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/readyz").Code)

	srv.RecordRun(&relay.Summary{RunID: "run-1"})
	assert.Equal(t, http.StatusOK, get(t, srv, "/readyz").Code)
}

func TestServer_Ready_StorageDown(t *testing.T) {
	srv, store := setupServer(t)
	srv.RecordRun(&relay.Summary{RunID: "run-1"})
	require.NoError(t, store.Close())

	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/readyz").Code)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := setupServer(t)
	w := get(t, srv, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `jmaalert_runs_total{outcome="success"} 1`)
}

func TestServer_Areas(t *testing.T) {
	srv, _ := setupServer(t)
	w := get(t, srv, "/api/v1/areas")
	require.Equal(t, http.StatusOK, w.Code)

	var states []model.AreaState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.True(t, states[0].Has(model.TierWarning, 3))
}

func TestServer_Area(t *testing.T) {
	srv, _ := setupServer(t)

	w := get(t, srv, "/api/v1/areas/1310100")
	require.Equal(t, http.StatusOK, w.Code)
	var state model.AreaState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, "1310100", state.AreaCode)

	w = get(t, srv, "/api/v1/areas/9999999")
	require.Equal(t, http.StatusOK, w.Code)
	state = model.AreaState{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.True(t, state.Empty(), "unseen areas report an empty state")
}

func TestServer_Deliveries(t *testing.T) {
	srv, _ := setupServer(t)

	tests := []struct {
		path     string
		wantCode int
		wantLen  int
	}{
		{path: "/api/v1/deliveries", wantCode: http.StatusOK, wantLen: 3},
		{path: "/api/v1/deliveries?status=failed", wantCode: http.StatusOK, wantLen: 1},
		{path: "/api/v1/deliveries?limit=2", wantCode: http.StatusOK, wantLen: 2},
		{path: "/api/v1/deliveries?account=someone-else", wantCode: http.StatusOK, wantLen: 0},
		{path: "/api/v1/deliveries?status=lost", wantCode: http.StatusBadRequest},
		{path: "/api/v1/deliveries?limit=-1", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, srv, tt.path)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var deliveries []model.Delivery
			require.NoError(t, json.NewDecoder(w.Body).Decode(&deliveries))
			assert.Len(t, deliveries, tt.wantLen)
		})
	}
}
