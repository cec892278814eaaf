package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ternhq/tern/internal/bucket"
	"github.com/ternhq/tern/internal/store"
)

// rawMetricLimit caps the raw observation read endpoint.
const rawMetricLimit = 100

type rawMetricResponse struct {
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`
	LatencyMS  int64  `json:"latency_ms"`
	Timestamp  string `json:"timestamp"`
}

// HandleListRawMetrics returns the newest raw observations for a project.
func HandleListRawMetrics(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := loadProject(w, r, st)
		if !ok {
			return
		}

		obs, err := st.RecentObservations(r.Context(), project.ID, rawMetricLimit)
		if err != nil {
			slog.Error("list raw metrics failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]rawMetricResponse, 0, len(obs))
		for _, o := range obs {
			out = append(out, rawMetricResponse{
				Endpoint:   o.Endpoint,
				Method:     o.Method,
				StatusCode: o.StatusCode,
				LatencyMS:  o.LatencyMS,
				Timestamp:  o.Timestamp.Format(time.RFC3339Nano),
			})
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

type rollupResponse struct {
	Endpoint     string `json:"endpoint"`
	BucketStart  string `json:"bucket_start"`
	RequestCount int64  `json:"request_count"`
	ErrorCount   int64  `json:"error_count"`
	P95LatencyMS int64  `json:"p95_latency_ms"`
}

// HandleListRollups returns a project's rollups at one bucket width,
// optionally bounded by from/to (RFC 3339, inclusive on both sides).
func HandleListRollups(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := loadProject(w, r, st)
		if !ok {
			return
		}

		widthLabel := r.URL.Query().Get("bucket")
		if widthLabel == "" {
			widthLabel = "1m"
		}
		width, err := bucket.ParseWidth(widthLabel)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid bucket value")
			return
		}

		from, ok := parseTimeParam(w, r, "from")
		if !ok {
			return
		}
		to, ok := parseTimeParam(w, r, "to")
		if !ok {
			return
		}

		rollups, err := st.QueryRollups(r.Context(), project.ID, width, from, to)
		if err != nil {
			slog.Error("list rollups failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]rollupResponse, 0, len(rollups))
		for _, ru := range rollups {
			out = append(out, rollupResponse{
				Endpoint:     ru.Key.Endpoint,
				BucketStart:  ru.Key.BucketStart.Format(time.RFC3339),
				RequestCount: ru.RequestCount,
				ErrorCount:   ru.ErrorCount,
				P95LatencyMS: ru.P95LatencyMS,
			})
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

// loadProject resolves the {id} path value to a project, writing the error
// response itself when it fails.
func loadProject(w http.ResponseWriter, r *http.Request, st *store.Store) (store.Project, bool) {
	project, err := st.GetProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "project not found")
		return store.Project{}, false
	}
	if err != nil {
		slog.Error("get project failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return store.Project{}, false
	}
	return project, true
}

// parseTimeParam reads an optional RFC 3339 query parameter. A missing
// parameter yields the zero time.
func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid datetime format")
		return time.Time{}, false
	}
	return ts.UTC(), true
}
