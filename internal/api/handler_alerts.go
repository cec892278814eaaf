package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ternhq/tern/internal/store"
)

// alertListLimit caps the alert read endpoint.
const alertListLimit = 100

type alertResponse struct {
	ID          int64   `json:"id"`
	PolicyID    string  `json:"policy_id"`
	PolicyName  string  `json:"policy_name"`
	Metric      string  `json:"metric"`
	Comparison  string  `json:"comparison"`
	Threshold   float64 `json:"threshold"`
	Severity    string  `json:"severity"`
	Value       float64 `json:"value"`
	TriggeredAt string  `json:"triggered_at"`
	Resolved    bool    `json:"resolved"`
}

// HandleListAlerts returns a project's alert events, newest first.
func HandleListAlerts(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := loadProject(w, r, st)
		if !ok {
			return
		}

		alerts, err := st.ListAlertEvents(r.Context(), project.ID, alertListLimit)
		if err != nil {
			slog.Error("list alerts failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]alertResponse, 0, len(alerts))
		for _, a := range alerts {
			out = append(out, alertResponse{
				ID:          a.ID,
				PolicyID:    a.PolicyID,
				PolicyName:  a.PolicyName,
				Metric:      a.Metric,
				Comparison:  a.Comparison,
				Threshold:   a.Threshold,
				Severity:    a.Severity,
				Value:       a.Value,
				TriggeredAt: a.TriggeredAt.Format(time.RFC3339Nano),
				Resolved:    a.Resolved,
			})
		}
		WriteJSON(w, http.StatusOK, out)
	})
}
