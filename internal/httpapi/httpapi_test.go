package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/httpapi"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
)

type tenv struct {
	ds       *datastore.MemStore
	progress *firmware.Progress
	srv      *httptest.Server
}

func newEnv(t testing.TB) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	ds := datastore.NewMemStore()
	cfg, err := handler.NewConfig(ds, cache.NewTTL("config", time.Minute), nil, log)
	require.NoError(t, err)
	env := &tenv{ds: ds, progress: firmware.NewProgress(0)}
	api := &httpapi.API{Store: ds, Config: cfg, Progress: env.progress, Metrics: metrics.New(), Log: log}
	env.srv = httptest.NewServer(api.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *tenv) do(t testing.TB, method, path, body string) (int, map[string]interface{}) {
	req, err := http.NewRequest(method, env.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var m map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	}
	return resp.StatusCode, m
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	status, m := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", m["status"])

	env.ds.SetOutage(fmt.Errorf("connection refused"))
	status, m = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "error", m["status"])
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigAdmin(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	status, m := env.do(t, http.MethodPost, "/configs", `{"config":{"Host":"mqtts://broker.example:8883","maxTelegrams":50},"description":"base","created_by":"ops"}`)
	require.Equal(t, http.StatusCreated, status, "%v", m)
	etag, _ := m["etag"].(string)
	require.NotEmpty(t, etag)

	status, m = env.do(t, http.MethodGet, "/gateways/gw1/config?etag="+etag, "")
	require.Equal(t, http.StatusOK, status, "%v", m)
	assert.Equal(t, etag, m["etag"])
	assert.Equal(t, 50.0, m["config"].(map[string]interface{})["maxTelegrams"])

	status, _ = env.do(t, http.MethodPut, "/gateways/gw1/config/maxTelegrams", `200`)
	require.Equal(t, http.StatusNoContent, status)
	_, m = env.do(t, http.MethodGet, "/gateways/gw1/config?etag="+etag, "")
	assert.Equal(t, 200.0, m["config"].(map[string]interface{})["maxTelegrams"], "override invalidates cache")

	status, _ = env.do(t, http.MethodPut, "/gateways/gw1/config/maxTelegrams", `null`)
	require.Equal(t, http.StatusNoContent, status)
	_, m = env.do(t, http.MethodGet, "/gateways/gw1/config?etag="+etag, "")
	assert.NotContains(t, m["config"], "maxTelegrams", "null override deletes key")

	status, _ = env.do(t, http.MethodPut, "/gateways/gw1/config/maxTelegrams", `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodGet, "/gateways/gw1/config?etag=nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodGet, "/gateways/gw1/config", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/configs", `{"config":{}}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProgress(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	status, _ := env.do(t, http.MethodGet, "/gateways/gw1/firmware/fw1/progress", "")
	assert.Equal(t, http.StatusNotFound, status)

	env.progress.Record("gw1", "fw1", 0)
	env.progress.Record("gw1", "fw1", 3)
	status, m := env.do(t, http.MethodGet, "/gateways/gw1/firmware/fw1/progress", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2.0, m["Received"])
	assert.Equal(t, 3.0, m["MaxChunk"])
}

func TestHealthNoStore(t *testing.T) {
	t.Parallel()
	api := &httpapi.API{}
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(context.Background()))
	assert.Equal(t, http.StatusOK, rec.Code)
}
