package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ternhq/tern/internal/store"
)

type ingestRequest struct {
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	StatusCode *int   `json:"status_code"`
	LatencyMS  *int64 `json:"latency_ms"`
	Timestamp  string `json:"timestamp"`
}

// HandleIngest accepts one request observation authenticated by a Bearer
// API key. 204 on success, 400 on missing or invalid fields, 401 on unknown
// or inactive keys.
func HandleIngest(keys *keyCache, st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		project, err := keys.Lookup(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		obs, err := req.toObservation(project.ID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := st.InsertObservation(r.Context(), obs); err != nil {
			slog.Error("insert observation failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (req *ingestRequest) toObservation(projectID string) (store.Observation, error) {
	if req.Endpoint == "" {
		return store.Observation{}, fmt.Errorf("missing field: endpoint")
	}
	if req.StatusCode == nil {
		return store.Observation{}, fmt.Errorf("missing field: status_code")
	}
	if req.LatencyMS == nil {
		return store.Observation{}, fmt.Errorf("missing field: latency_ms")
	}
	if *req.LatencyMS < 0 {
		return store.Observation{}, fmt.Errorf("latency_ms must be >= 0")
	}
	if req.Timestamp == "" {
		return store.Observation{}, fmt.Errorf("missing field: timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return store.Observation{}, fmt.Errorf("invalid timestamp format")
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}

	return store.Observation{
		ProjectID:  projectID,
		Endpoint:   req.Endpoint,
		Method:     method,
		StatusCode: *req.StatusCode,
		LatencyMS:  *req.LatencyMS,
		Timestamp:  ts.UTC(),
	}, nil
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := auth[len(prefix):]
	return token, token != ""
}
