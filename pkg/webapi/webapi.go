/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// This file is to handle things such as metrics/health/routing, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-router/client"
	"github.com/couchbase/stellar-router/client/loadbalancer"
	"github.com/couchbase/stellar-router/client/transport"
	"github.com/couchbase/stellar-router/common/topology"
	"github.com/couchbase/stellar-router/pkg/interceptors"
	"github.com/couchbase/stellar-router/pkg/metrics"
	"github.com/couchbase/stellar-router/utils/authhdr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Router routes requests against collections.
type Router interface {
	Route(ctx context.Context, req *transport.Request, collections ...string) (*transport.Response, error)
}

// TopologySource serves collection topology.
type TopologySource interface {
	Get(ctx context.Context, name string, minVersion int64) (*topology.Collection, error)
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string

	// Router and Topology are optional, their endpoints are only served
	// when set.
	Router   Router
	Topology TopologySource

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string

	// Username and Password, when set, protect the /v1 endpoints with
	// basic authentication.
	Username string
	Password string
}

type WebServer struct {
	logger         *zap.Logger
	logLevel       *zap.AtomicLevel
	listenAddress  string
	router         Router
	topology       TopologySource
	allowedOrigins []string
	username       string
	password       string
	healthy        atomic.Bool

	lock       sync.Mutex
	httpServer *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	w := &WebServer{
		logger:         opts.Logger,
		logLevel:       opts.LogLevel,
		listenAddress:  opts.ListenAddress,
		router:         opts.Router,
		topology:       opts.Topology,
		allowedOrigins: opts.AllowedOrigins,
		username:       opts.Username,
		password:       opts.Password,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.healthy.Store(true)
	return w
}

// SetHealthy changes what /health reports.
func (w *WebServer) SetHealthy(healthy bool) {
	w.healthy.Store(healthy)
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar router internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if !w.healthy.Load() {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("unhealthy"))
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) requireAuth(next http.Handler) http.Handler {
	if w.username == "" {
		return next
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !authhdr.CheckBasicAuth(r.Header.Get("Authorization"), w.username, w.password) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="stellar-router"`)
			w.writeJSON(rw, http.StatusUnauthorized, jsonError{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

type jsonRouteRequest struct {
	Kind          string                 `json:"kind"`
	Path          string                 `json:"path"`
	Params        url.Values             `json:"params,omitempty"`
	Documents     []transport.Document   `json:"documents,omitempty"`
	DeleteIDs     []transport.DeleteByID `json:"deleteIds,omitempty"`
	DeleteQueries []string               `json:"deleteQueries,omitempty"`
	Commit        bool                   `json:"commit,omitempty"`
	TimeAllowedMs int64                  `json:"timeAllowedMs,omitempty"`
}

type jsonRouteResponse struct {
	StatusCode    int                  `json:"statusCode"`
	Endpoint      string               `json:"endpoint,omitempty"`
	AchievedRF    int                  `json:"achievedRf,omitempty"`
	Errors        []transport.DocError `json:"errors,omitempty"`
	StaleVersions map[string]int64     `json:"staleVersions,omitempty"`
	Shards        []string             `json:"shards,omitempty"`
	Body          json.RawMessage      `json:"body,omitempty"`
}

type jsonError struct {
	Error string `json:"error"`
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	err := json.NewEncoder(rw).Encode(v)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, client.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, topology.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrTooManyErrors):
		return http.StatusUnprocessableEntity
	case errors.Is(err, loadbalancer.ErrNoEndpointsAvailable),
		errors.Is(err, loadbalancer.ErrTimeAllowanceExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (w *WebServer) handleRoute(rw http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	var body jsonRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.writeJSON(rw, http.StatusBadRequest, jsonError{Error: "invalid request body: " + err.Error()})
		return
	}

	kind, err := transport.ParseRequestKind(body.Kind)
	if err != nil {
		w.writeJSON(rw, http.StatusBadRequest, jsonError{Error: err.Error()})
		return
	}

	req := &transport.Request{
		Kind:          kind,
		Path:          body.Path,
		Params:        body.Params,
		Documents:     body.Documents,
		DeleteIDs:     body.DeleteIDs,
		DeleteQueries: body.DeleteQueries,
		Commit:        body.Commit,
		TimeAllowed:   time.Duration(body.TimeAllowedMs) * time.Millisecond,
	}

	resp, err := w.router.Route(r.Context(), req, collection)
	if err != nil {
		w.logger.Debug("route failed",
			zap.String("collection", collection),
			zap.String("requestId", r.Header.Get(interceptors.RequestIDHeader)),
			zap.Error(err))
		w.writeJSON(rw, statusForError(err), jsonError{Error: err.Error()})
		return
	}

	out := jsonRouteResponse{
		StatusCode:    resp.StatusCode,
		AchievedRF:    resp.AchievedRF,
		Errors:        resp.Errors,
		StaleVersions: resp.StaleVersions,
	}
	if !resp.Endpoint.IsZero() {
		out.Endpoint = resp.Endpoint.String()
	}
	for shard := range resp.Shards {
		out.Shards = append(out.Shards, shard)
	}
	if json.Valid(resp.Body) {
		out.Body = resp.Body
	}

	w.writeJSON(rw, http.StatusOK, out)
}

type jsonReplica struct {
	Name     string `json:"name"`
	Core     string `json:"core"`
	NodeName string `json:"nodeName"`
	State    string `json:"state"`
	Leader   bool   `json:"leader,omitempty"`
	Version  int64  `json:"version"`
}

type jsonShard struct {
	Name     string        `json:"name"`
	Range    string        `json:"range,omitempty"`
	Replicas []jsonReplica `json:"replicas"`
}

type jsonCollection struct {
	Name    string      `json:"name"`
	Version int64       `json:"version"`
	Router  string      `json:"router"`
	Shards  []jsonShard `json:"shards"`
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	coll, err := w.topology.Get(r.Context(), collection, 0)
	if err != nil {
		w.writeJSON(rw, statusForError(err), jsonError{Error: err.Error()})
		return
	}

	out := jsonCollection{
		Name:    coll.Name,
		Version: coll.Version,
		Router:  coll.RouterName,
	}
	for _, shard := range coll.Shards {
		js := jsonShard{Name: shard.Name}
		if shard.Range != nil {
			js.Range = shard.Range.String()
		}
		for _, replica := range shard.Replicas {
			js.Replicas = append(js.Replicas, jsonReplica{
				Name:     replica.Name,
				Core:     replica.Core,
				NodeName: replica.NodeName,
				State:    replica.State.String(),
				Leader:   replica.Leader,
				Version:  replica.Version,
			})
		}
		out.Shards = append(out.Shards, js)
	}

	w.writeJSON(rw, http.StatusOK, out)
}

// Handler builds the http handler serving the web api.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/loglevel", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(w.requireAuth)
	v1.Use(interceptors.NewCompressInterceptor().Handler)
	if w.router != nil {
		v1.HandleFunc("/route/{collection}", w.handleRoute).Methods(http.MethodPost)
	}
	if w.topology != nil {
		v1.HandleFunc("/topology/{collection}", w.handleTopology).Methods(http.MethodGet)
	}
	r.HandleFunc("/", w.handleRoot)

	r.Use(interceptors.NewMetricsInterceptor(metrics.GetRouterMetrics()).Handler)
	r.Use(interceptors.NewConnectionLoggingInterceptor(w.logger).Handler)
	r.Use(interceptors.NewTracingInterceptor(nil).Handler)

	var handler http.Handler = r
	if len(w.allowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: w.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		}).Handler(handler)
	}

	return handler
}

func (w *WebServer) ListenAndServe() error {
	w.lock.Lock()
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	httpServer := w.httpServer
	w.lock.Unlock()

	return httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	w.lock.Lock()
	httpServer := w.httpServer
	w.lock.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	globalWebServer = newWebServer(opts)
	webServer := globalWebServer
	globalWebLock.Unlock()

	go func() {
		err := webServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			webServer.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return webServer
}
