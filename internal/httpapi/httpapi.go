// Package httpapi is operator HTTP surface: metrics, health, config administration.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	maxBodySize           = 1 << 20
	healthTimeout         = 3 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	Store    Pinger
	Config   *handler.Config
	Progress *firmware.Progress
	Metrics  *metrics.Metrics
	Log      *log2.Log
}

type createConfigRequest struct {
	Config      map[string]interface{} `json:"config"`
	Description string                 `json:"description"`
	CreatedBy   string                 `json:"created_by"`
}

func (self *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))
	r.Use(self.logRequest)

	r.Method(http.MethodGet, "/metrics", self.Metrics.Handler())
	r.Get("/healthz", self.health)
	if self.Config != nil {
		r.Post("/configs", self.createConfig)
		r.Route("/gateways/{eui}", func(r chi.Router) {
			r.Get("/config", self.resolveConfig)
			r.Put("/config/{key}", self.setOverride)
		})
	}
	if self.Progress != nil {
		r.Get("/gateways/{eui}/firmware/{firmware}/progress", self.progress)
	}
	return r
}

func (self *API) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		self.Log.Debugf("http %s %s status=%d time=%v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (self *API) health(w http.ResponseWriter, r *http.Request) {
	if self.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := self.Store.Ping(ctx); err != nil {
			self.Log.Errorf("http healthz err=%v", err)
			jsonResponse(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "error", "error": err.Error()})
			return
		}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (self *API) resolveConfig(w http.ResponseWriter, r *http.Request) {
	eui := chi.URLParam(r, "eui")
	resp, err := self.Config.Resolve(r.Context(), eui, r.URL.Query().Get("etag"))
	if err != nil {
		self.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

// setOverride body is one JSON value, null deletes key.
func (self *API) setOverride(w http.ResponseWriter, r *http.Request) {
	eui, key := chi.URLParam(r, "eui"), chi.URLParam(r, "key")
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		self.errorResponse(w, errors.Annotate(err, "read body"))
		return
	}
	value, err := wire.ParseJSON(b)
	if err != nil {
		self.errorResponse(w, errors.NewNotValid(err, "body"))
		return
	}
	if err = self.Config.SetOverride(r.Context(), eui, key, value); err != nil {
		self.errorResponse(w, err)
		return
	}
	self.Log.Infof("http config override eui=%s key=%s value=%v", eui, key, value)
	w.WriteHeader(http.StatusNoContent)
}

func (self *API) createConfig(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		self.errorResponse(w, errors.Annotate(err, "read body"))
		return
	}
	// through generic value, so config integers stay int64 like in envelopes
	var req createConfigRequest
	v, err := wire.ParseJSON(b)
	if err == nil {
		err = wire.DecodePayload(v, &req)
	}
	if err != nil {
		self.errorResponse(w, errors.NewNotValid(err, "body"))
		return
	}
	cv, err := self.Config.CreateConfigVersion(r.Context(), req.Config, req.Description, req.CreatedBy)
	if err != nil {
		self.errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, cv)
}

func (self *API) progress(w http.ResponseWriter, r *http.Request) {
	eui, fw := chi.URLParam(r, "eui"), chi.URLParam(r, "firmware")
	info, ok := self.Progress.Get(eui, fw)
	if !ok {
		self.errorResponse(w, errors.NotFoundf("progress eui=%s firmware=%s", eui, fw))
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

func (self *API) errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotValid(errors.Cause(err)):
		status = http.StatusBadRequest
	case datastore.IsNotFound(errors.Cause(err)):
		status = http.StatusNotFound
	default:
		self.Log.Errorf("http err=%v", err)
	}
	jsonResponse(w, status, map[string]interface{}{"error": err.Error(), "code": status})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
