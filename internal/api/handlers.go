package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type triggerRequest struct {
	Target ha.RegionID `json:"target,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

type drillRequest struct {
	Target ha.RegionID `json:"target,omitempty"`
}

type sloView struct {
	Status  ha.StatusCheck   `json:"status"`
	Metrics ha.RTORPOMetrics `json:"metrics"`
	Report  ha.SLAReport     `json:"report"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var ext *ha.ExternalCommandError
	switch {
	case errors.Is(err, ha.ErrConcurrentFailover),
		errors.Is(err, ha.ErrCancelNotAllowed),
		errors.Is(err, ha.ErrRegionNotIsolated):
		return http.StatusConflict
	case errors.Is(err, ha.ErrProductionDataset):
		return http.StatusForbidden
	case errors.Is(err, ha.ErrInvalidTarget),
		errors.Is(err, ha.ErrUnknownRegion):
		return http.StatusBadRequest
	case errors.Is(err, ha.ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, ha.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.As(err, &ext):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTriggerFailover(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	reason := req.Reason
	if reason == "" {
		if op := OperatorFromContext(r.Context()); op != "" {
			reason = "operator request by " + op
		}
	}

	rec, err := s.deps.Orchestrator.TriggerFailover(r.Context(), ha.FailoverRequest{
		Target:  req.Target,
		Reason:  reason,
		Trigger: ha.TriggerManual,
	})
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}

	s.logger.Info("manual failover triggered",
		zap.String("record_id", rec.ID),
		zap.String("target", string(req.Target)),
		zap.String("operator", OperatorFromContext(r.Context())))

	if r.URL.Query().Get("wait") == "true" {
		rec, err = s.deps.Orchestrator.Await(r.Context(), rec.ID)
		if err != nil {
			s.respondError(w, statusFor(err), err)
			return
		}
		s.respondJSON(w, http.StatusOK, rec)
		return
	}
	s.respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListFailovers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	seen := make(map[string]bool)
	records := s.deps.Orchestrator.Records()
	for _, rec := range records {
		seen[rec.ID] = true
	}

	if s.deps.History != nil {
		stored, err := s.deps.History.List(r.Context(), s.deps.Orchestrator.Dataset(), limit)
		if err != nil {
			s.logger.Warn("history unavailable, serving in-memory records", zap.Error(err))
		}
		for _, rec := range stored {
			if !seen[rec.ID] {
				records = append(records, rec)
			}
		}
	}

	slices.SortFunc(records, func(a, b ha.FailoverRecord) int {
		return b.TriggeredAt.Compare(a.TriggeredAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"failovers": records,
		"count":     len(records),
	})
}

func (s *Server) handleActiveFailover(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.deps.Orchestrator.Active()
	if !ok {
		s.respondError(w, http.StatusNotFound, errors.New("no failover in progress"))
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetFailover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if rec, ok := s.deps.Orchestrator.Record(id); ok {
		s.respondJSON(w, http.StatusOK, rec)
		return
	}
	if s.deps.History != nil {
		rec, err := s.deps.History.Get(r.Context(), id)
		if err == nil {
			s.respondJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, ha.ErrUnknownRecord) {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.respondError(w, http.StatusNotFound, fmt.Errorf("record %s: %w", id, ha.ErrUnknownRecord))
}

func (s *Server) handleCancelFailover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Orchestrator.Cancel(r.Context(), id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.logger.Info("failover cancel accepted",
		zap.String("record_id", id),
		zap.String("operator", OperatorFromContext(r.Context())))
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
}

func (s *Server) handleRejoinRegion(w http.ResponseWriter, r *http.Request) {
	id := ha.RegionID(chi.URLParam(r, "id"))
	if err := s.deps.Orchestrator.Rejoin(r.Context(), id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "rejoined", "region": string(id)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.Acknowledge(r.Context()); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"dataset": s.deps.Orchestrator.Dataset(),
		"regions": s.deps.Orchestrator.Topology().Regions(),
	})
}

func (s *Server) handleRunDrill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drills == nil {
		s.respondError(w, http.StatusNotFound, errors.New("drills are not configured"))
		return
	}
	var req drillRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.deps.Drills.Check(req.Target); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	if _, active := s.deps.Orchestrator.Active(); active {
		s.respondError(w, http.StatusConflict, ha.ErrConcurrentFailover)
		return
	}

	go func() {
		report, err := s.deps.Drills.RunDrill(s.drillCtx, req.Target)
		if err != nil {
			s.logger.Warn("drill not run", zap.Error(err))
			return
		}
		s.logger.Info("operator drill finished", zap.String("drill_id", report.ID), zap.Bool("passed", report.Passed))
	}()

	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleListDrills(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drills == nil {
		s.respondJSON(w, http.StatusOK, ha.DrillSummary{GeneratedAt: time.Now()})
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Drills.Summary())
}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	if s.deps.RTO == nil {
		s.respondError(w, http.StatusNotFound, errors.New("SLO tracking is not configured"))
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 30
	}
	end := time.Now()

	s.respondJSON(w, http.StatusOK, sloView{
		Status:  s.deps.RTO.Status(),
		Metrics: s.deps.RTO.Metrics(),
		Report:  s.deps.RTO.Report(end.AddDate(0, 0, -days), end),
	})
}
