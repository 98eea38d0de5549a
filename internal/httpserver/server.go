// Package httpserver exposes the administrative surface of the pacing
// service: promoter slot invocations for the orchestrator, ad-hoc
// apportionment and cancellation runs, and counter inspection.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/postalgrid/delayer/internal/apportion"
	"github.com/postalgrid/delayer/internal/auth"
	"github.com/postalgrid/delayer/internal/cancel"
	"github.com/postalgrid/delayer/internal/export"
	"github.com/postalgrid/delayer/internal/notify"
	"github.com/postalgrid/delayer/internal/priority"
	"github.com/postalgrid/delayer/internal/promoter"
	"github.com/postalgrid/delayer/internal/store"
)

type Server struct {
	store       store.Store
	promoter    *promoter.Service
	apportion   *apportion.Service
	compensator *cancel.Compensator
	exporter    *export.Exporter
	verifier    *auth.Verifier
	publisher   notify.Publisher
}

// Config wires the server's collaborators. Exporter may be nil when no
// reporting database is configured; a nil Publisher falls back to the no-op.
type Config struct {
	Store       store.Store
	Promoter    *promoter.Service
	Apportion   *apportion.Service
	Compensator *cancel.Compensator
	Exporter    *export.Exporter
	Verifier    *auth.Verifier
	Publisher   notify.Publisher
}

func New(cfg Config) *Server {
	if cfg.Publisher == nil {
		cfg.Publisher = notify.NopPublisher{}
	}
	return &Server{
		store:       cfg.Store,
		promoter:    cfg.Promoter,
		apportion:   cfg.Apportion,
		compensator: cfg.Compensator,
		exporter:    cfg.Exporter,
		verifier:    cfg.Verifier,
		publisher:   cfg.Publisher,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/delayer", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/promoter", s.handlePromoter)
			r.Post("/apportionment", s.handleApportionment)
			if s.compensator != nil {
				r.Post("/cancellations", s.handleCancellations)
			}
			r.Get("/counters/{scope}", s.handleCounters)
			if s.exporter != nil {
				r.Post("/export/{scope}", s.handleExport)
			}
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancelPing := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancelPing()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePromoter(w http.ResponseWriter, r *http.Request) {
	var in promoter.Input
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.promoter.Run(r.Context(), in)
	if err != nil {
		var missing *priority.MissingMappingError
		if errors.As(err, &missing) {
			// Configuration error: retrying without a table fix cannot help.
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out.Processed > 0 {
		s.publishEvent(r.Context(), notify.Event{
			Kind:          notify.KindPromoterSlotDone,
			ExecutionDate: in.ExecutionDate,
			Records:       out.Processed,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type apportionmentRequest struct {
	Declaration apportion.Declaration `json:"declaration"`
	FileKey     string                `json:"fileKey"`
}

type apportionmentResponse struct {
	RunID   string `json:"runId"`
	Records int    `json:"records"`
}

func (s *Server) handleApportionment(w http.ResponseWriter, r *http.Request) {
	var req apportionmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	estimates, err := s.apportion.Run(r.Context(), req.Declaration, req.FileKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, apportionmentResponse{
		RunID:   uuid.NewString(),
		Records: len(estimates),
	})
}

func (s *Server) handleCancellations(w http.ResponseWriter, r *http.Request) {
	var signals []cancel.Signal
	if err := decodeJSON(w, r, &signals); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.compensator.Process(r.Context(), signals)
	if res.Cancelled > 0 {
		s.publishEvent(r.Context(), notify.Event{
			Kind:    notify.KindCancellationDone,
			Records: res.Cancelled,
		})
	}
	respondJSON(w, http.StatusOK, res)
}

// publishEvent is best effort: completion events inform downstream planning
// but never fail the request that produced them.
func (s *Server) publishEvent(ctx context.Context, ev notify.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Printf("[httpserver] publish %s: %v", ev.Kind, err)
	}
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	rows, err := s.store.QueryCounters(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	written, err := s.exporter.Run(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"cells": written})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
