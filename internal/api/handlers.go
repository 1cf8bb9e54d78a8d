package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yourorg/assetledger/internal/delivery"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/scheduler"
	"github.com/yourorg/assetledger/internal/snapshot"
	"github.com/yourorg/assetledger/internal/snapshotrun"
)

type snapshotRequest struct {
	DeliveryMethod string `json:"deliveryMethod"`
	Recipient      string `json:"recipient"`
}

type deliveryOutcome struct {
	Channel    string            `json:"channel"`
	Identifier string            `json:"identifier,omitempty"`
	Locations  map[string]string `json:"locations,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type snapshotResponse struct {
	Run        snapshotrun.RunLog `json:"run"`
	Deliveries []deliveryOutcome  `json:"deliveries"`
	Warnings   []string           `json:"warnings,omitempty"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	corrID := corrIDFrom(ctx)
	log := loggerFrom(ctx)

	actor, err := actorID(r)
	if err != nil {
		writeBadRequest(w, r, "BAD_ACTOR", err.Error())
		return
	}

	var req snapshotRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, "BAD_JSON", err.Error())
		return
	}
	if req.DeliveryMethod == "" {
		req.DeliveryMethod = snapshotrun.MethodDownload
	}

	res, err := s.deps.Runner.Run(ctx, snapshotrun.Request{
		Trigger:   snapshotrun.TriggerManual,
		Method:    req.DeliveryMethod,
		Recipient: req.Recipient,
		CreatedBy: actor,
	})
	if err != nil {
		s.writeRunError(w, r, res, err)
		return
	}
	log.Info("snapshot run completed", "runId", res.Run.RunID, "bundle", res.Run.BundleFilename, "method", req.DeliveryMethod)

	if req.DeliveryMethod == snapshotrun.MethodDownload {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Bundle.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Bundle.Archive)))
		w.Header().Set("X-Manifest-Sha256", res.Bundle.ManifestSHA256)
		w.Header().Set("X-Run-Id", res.Run.RunID.String())
		w.Header().Set(headerCorrelationID, corrID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Bundle.Archive)
		return
	}
	writeJSON(w, http.StatusCreated, corrID, newSnapshotResponse(res), nil)
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, res snapshotrun.Result, err error) {
	corrID := corrIDFrom(r.Context())
	var run *snapshotrun.RunLog
	if res.Run.RunID != uuid.Nil {
		run = &res.Run
	}
	switch {
	case errors.Is(err, snapshotrun.ErrInvalidRequest):
		writeError(w, r, err)
	case errors.Is(err, snapshot.ErrBuildFailure):
		loggerFrom(r.Context()).Error("snapshot build failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, corrID, ErrorBody{
			Code: "BUILD_FAILED", Message: err.Error(), CorrID: corrID, Retryable: true, Run: run,
		}, nil)
	case errors.Is(err, delivery.ErrNotConfigured):
		writeJSON(w, http.StatusBadGateway, corrID, ErrorBody{
			Code: "DELIVERY_NOT_CONFIGURED", Message: err.Error(), CorrID: corrID, Retryable: false, Run: run,
		}, nil)
	case errors.Is(err, delivery.ErrDeliveryFailure):
		writeJSON(w, http.StatusBadGateway, corrID, ErrorBody{
			Code: "DELIVERY_FAILED", Message: err.Error(), CorrID: corrID, Retryable: true, Run: run,
		}, nil)
	default:
		writeError(w, r, err)
	}
}

func newSnapshotResponse(res snapshotrun.Result) snapshotResponse {
	out := snapshotResponse{Run: res.Run, Deliveries: make([]deliveryOutcome, 0, len(res.Deliveries))}
	if res.Bundle != nil {
		out.Warnings = res.Bundle.Warnings
	}
	for _, d := range res.Deliveries {
		o := deliveryOutcome{Channel: d.Channel, Identifier: d.Identifier, Locations: d.Receipt.Locations}
		if d.Err != nil {
			o.Error = d.Err.Error()
		}
		out.Deliveries = append(out.Deliveries, o)
	}
	return out
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, r, "BAD_QUERY", err.Error())
		return
	}
	runs, err := s.deps.Runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]any{"runs": runs}, nil)
}

func (s *Server) verifyBundle(w http.ResponseWriter, r *http.Request) {
	archive, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBundleBytes))
	if err != nil {
		writeBadRequest(w, r, "BAD_BODY", err.Error())
		return
	}
	report, err := snapshot.VerifyBundle(archive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), report, nil)
}

type scheduleRequest struct {
	Enabled        bool   `json:"enabled"`
	RecipientEmail string `json:"recipientEmail"`
	Frequency      string `json:"frequency"`
	HourUTC        int    `json:"hourUtc"`
	MinuteUTC      int    `json:"minuteUtc"`
	WeekdayUTC     int    `json:"weekdayUtc"`
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Schedules.Get(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), cfg, nil)
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, "BAD_JSON", err.Error())
		return
	}
	saved, err := s.deps.Schedules.Save(r.Context(), schedule.Config{
		Enabled:        req.Enabled,
		RecipientEmail: strings.TrimSpace(req.RecipientEmail),
		Frequency:      schedule.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
		HourUTC:        req.HourUTC,
		MinuteUTC:      req.MinuteUTC,
		WeekdayUTC:     req.WeekdayUTC,
	}, s.deps.Runner.MailConfigured())
	if err != nil {
		writeError(w, r, err)
		return
	}
	loggerFrom(r.Context()).Info("snapshot schedule saved", "enabled", saved.Enabled, "frequency", saved.Frequency)
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), saved, nil)
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, r, "BAD_QUERY", err.Error())
		return
	}
	entries, err := s.deps.Ledger.List(r.Context(), ledger.Filter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]any{"entries": entries}, nil)
}

func (s *Server) verifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Verify(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), report, nil)
}

type ledgerToggle struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) getLedgerEnabled(w http.ResponseWriter, r *http.Request) {
	on, err := s.deps.Ledger.Enabled(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]bool{"enabled": on}, nil)
}

func (s *Server) putLedgerEnabled(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeBadRequest(w, r, "BAD_ACTOR", err.Error())
		return
	}
	var req ledgerToggle
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, "BAD_JSON", err.Error())
		return
	}
	if req.Enabled == nil {
		writeBadRequest(w, r, "BAD_JSON", "enabled is required")
		return
	}
	if err := s.deps.Ledger.SetEnabled(r.Context(), *req.Enabled, actor); err != nil {
		writeError(w, r, err)
		return
	}
	loggerFrom(r.Context()).Warn("audit ledger toggled", "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]bool{"enabled": *req.Enabled}, nil)
}

func (s *Server) verifyMirror(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Mirrors.Verify(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), report, nil)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if s.deps.Jobs != nil {
		jobs = s.deps.Jobs.Status()
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]any{"jobs": jobs}, nil)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}
