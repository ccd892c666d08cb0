// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package server serves the health, statistics and control endpoints of a running agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

// Engine is the part of the pipeline engine exposed by the server.
type Engine interface {
	Stats() pipeline.Stats
	Elements() []pipeline.ElementStatus
	Health() pipeline.Health
	Control(action pipeline.Action, p pipeline.Pattern) (int, error)
}

// PluginLister describes the plugins of the agent.
type PluginLister interface {
	Statuses() []plugin.Status
}

type Server struct {
	engine  Engine
	plugins PluginLister
	logger  logr.Logger
	router  chi.Router
	http    *http.Server
	ln      net.Listener
	done    chan struct{}
}

// New creates a server. plugins may be nil.
func New(engine Engine, plugins PluginLister, logger logr.Logger) *Server {
	s := &Server{
		engine:  engine,
		plugins: plugins,
		logger:  logger.WithName("server"),
		done:    make(chan struct{}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newStatsCollector(engine))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/elements", s.handleElements)
	r.Get("/plugins", s.handlePlugins)
	r.Post("/control/{action}", s.handleControl)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err, "Control server stopped")
		}
	}()
	s.logger.Info("Control server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	<-s.done
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.V(1).Info("Request served", "method", r.Method, "uri", r.RequestURI,
			"status", ww.Status(), "size", ww.BytesWritten(), "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.engine.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleElements(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Elements())
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	statuses := []plugin.Status{}
	if s.plugins != nil {
		statuses = s.plugins.Statuses()
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

type controlResponse struct {
	Action  pipeline.Action `json:"action"`
	Pattern string          `json:"pattern"`
	Matched int             `json:"matched"`
}

// handleControl applies an action to the elements selected by the "pattern" query
// parameter, every element when absent.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := pipeline.Action(chi.URLParam(r, "action"))
	raw := r.URL.Query().Get("pattern")
	if raw == "" {
		raw = "*/*/*"
	}
	p, err := pipeline.ParsePattern(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := s.engine.Control(action, p)
	switch {
	case errors.Is(err, pipeline.ErrUnknownAction):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, pipeline.ErrEngineStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, controlResponse{Action: action, Pattern: p.String(), Matched: n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(err, "Failed to write response")
	}
}
