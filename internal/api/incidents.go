package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yourorg/assetledger/internal/incident"
)

type IncidentEngine interface {
	RecordIncident(ctx context.Context, inc incident.Incident) (bool, error)
	RecordDamage(ctx context.Context, d incident.Damage) (incident.DamageResult, error)
	RefreshFlag(ctx context.Context, entityID int64, kind string) (bool, error)
}

type damageRequest struct {
	AssetID      int64  `json:"assetId"`
	CheckedOutTo string `json:"checkedOutTo"`
	Source       string `json:"source"`
	Notes        string `json:"notes"`
	CheckoutID   *int64 `json:"checkoutId"`
}

type incidentRequest struct {
	EntityID   int64  `json:"entityId"`
	EntityKind string `json:"entityKind"`
	Source     string `json:"source"`
	Notes      string `json:"notes"`
	CheckoutID *int64 `json:"checkoutId"`
}

func (s *Server) recordDamage(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		writeBadRequest(w, r, "BAD_ACTOR", err.Error())
		return
	}
	var req damageRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, "BAD_JSON", err.Error())
		return
	}
	if req.AssetID <= 0 {
		writeBadRequest(w, r, "BAD_JSON", "assetId is required")
		return
	}
	res, err := s.deps.Incidents.RecordDamage(r.Context(), incident.Damage{
		AssetID:      req.AssetID,
		CheckedOutTo: req.CheckedOutTo,
		Source:       strings.TrimSpace(req.Source),
		Notes:        req.Notes,
		CheckoutID:   req.CheckoutID,
		ActorID:      actor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, corrIDFrom(r.Context()), res, nil)
}

func (s *Server) recordIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, r, "BAD_JSON", err.Error())
		return
	}
	if req.EntityID <= 0 {
		writeBadRequest(w, r, "BAD_JSON", "entityId is required")
		return
	}
	flagged, err := s.deps.Incidents.RecordIncident(r.Context(), incident.Incident{
		EntityID:   req.EntityID,
		EntityKind: req.EntityKind,
		Source:     strings.TrimSpace(req.Source),
		Notes:      req.Notes,
		CheckoutID: req.CheckoutID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, corrIDFrom(r.Context()), map[string]bool{"flagged": flagged}, nil)
}

func (s *Server) refreshFlag(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, r, "BAD_PATH", "id must be a positive integer")
		return
	}
	flagged, err := s.deps.Incidents.RefreshFlag(r.Context(), id, chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), map[string]bool{"flagged": flagged}, nil)
}
