// Package api exposes the engine's narrow ops surface over HTTP: ingest,
// unit control, health, and the trace summary. The surrounding platform's
// own routing and controllers are external collaborators of this port.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mesh-engine/mesh-engine/mesh"
)

// mutationRequest is the ingest payload.
type mutationRequest struct {
	Key             string `json:"key"`
	Value           any    `json:"value"`
	ExpectedVersion uint64 `json:"expected_version"`
}

// mutationResponse reports the committed version.
type mutationResponse struct {
	Version uint64 `json:"version"`
}

// enableRequest flips a unit's enabled flag.
type enableRequest struct {
	Enabled bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer wires the engine's ops endpoints into a chi router.
func NewServer(engine *mesh.Engine) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.Health())
	})

	r.Get("/v1/trace/summary", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.TraceSummary())
	})

	r.Post("/v1/mutations", func(w http.ResponseWriter, req *http.Request) {
		var body mutationRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if body.Key == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "key is required"})
			return
		}
		version, err := engine.SubmitMutation(body.Key, body.Value, body.ExpectedVersion)
		switch {
		case errors.Is(err, mesh.ErrVersionConflict):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, mesh.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		case err != nil:
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, mutationResponse{Version: version})
		}
	})

	// Keys contain slashes (namespace/name), so the route is a wildcard.
	r.Get("/v1/keys/*", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "*")
		v, ok := engine.Get(key)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": v.Value, "version": v.Version})
	})

	r.Post("/v1/units/{id}/enabled", func(w http.ResponseWriter, req *http.Request) {
		var body enableRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		id := mesh.UnitID(chi.URLParam(req, "id"))
		if err := engine.SetEnabled(id, body.Enabled); err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("api: encode response: %v", err)
	}
}
