package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"markethub.com/internal/cache"
	"markethub.com/pkg/ratelimit"
)

type fakeWS struct{ hits int }

func (f *fakeWS) ServeWS(w http.ResponseWriter, _ *http.Request) {
	f.hits++
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeWS) ConnCount() int { return 3 }

type fakeVault struct{}

func (fakeVault) Pending() int { return 2 }

func init() { gin.SetMode(gin.TestMode) }

func TestHealthz(t *testing.T) {
	c := cache.New(nil, cache.Config{})
	r := NewEngine(Deps{WS: &fakeWS{}, Cache: c, Vault: fakeVault{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code int    `json:"code"`
		Data Health `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Data.Status)
	assert.Equal(t, "fallback", resp.Data.CacheTier)
	assert.True(t, resp.Data.Degraded)
	assert.Equal(t, 3, resp.Data.Connections)
	assert.Equal(t, 2, resp.Data.VaultPending)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestWS_RoutedAndRateLimited(t *testing.T) {
	ws := &fakeWS{}
	store := ratelimit.NewStore(0.001, 1, time.Minute)
	r := NewEngine(Deps{WS: ws, Upgrade: store})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, ws.hits)
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewEngine(Deps{WS: &fakeWS{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
