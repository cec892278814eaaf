package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ternhq/tern/internal/alert"
	"github.com/ternhq/tern/internal/store"
)

type policyResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`
	Comparison      string  `json:"comparison"`
	Threshold       float64 `json:"threshold"`
	Severity        string  `json:"severity"`
	CooldownMinutes int     `json:"cooldown_minutes"`
	IsActive        bool    `json:"is_active"`
}

func toPolicyResponse(p store.Policy) policyResponse {
	return policyResponse{
		ID:              p.ID,
		Name:            p.Name,
		Metric:          p.Metric,
		Comparison:      p.Comparison,
		Threshold:       p.Threshold,
		Severity:        p.Severity,
		CooldownMinutes: p.CooldownMinutes,
		IsActive:        p.Active,
	}
}

// HandleListPolicies returns every policy of a project.
func HandleListPolicies(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := loadProject(w, r, st)
		if !ok {
			return
		}

		policies, err := st.ListPolicies(r.Context(), project.ID)
		if err != nil {
			slog.Error("list policies failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]policyResponse, 0, len(policies))
		for _, p := range policies {
			out = append(out, toPolicyResponse(p))
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

type createPolicyRequest struct {
	Name            string   `json:"name"`
	Metric          string   `json:"metric"`
	Comparison      string   `json:"comparison"`
	Threshold       *float64 `json:"threshold"`
	Severity        string   `json:"severity"`
	CooldownMinutes *int     `json:"cooldown_minutes"`
	IsActive        *bool    `json:"is_active"`
}

// HandleCreatePolicy creates an alert policy for a project.
func HandleCreatePolicy(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := loadProject(w, r, st)
		if !ok {
			return
		}

		var req createPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if req.Name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		switch req.Metric {
		case alert.MetricLatencyP95, alert.MetricErrorRate, alert.MetricThroughput:
		default:
			WriteError(w, http.StatusBadRequest, "metric must be latency_p95, error_rate or throughput")
			return
		}
		switch req.Comparison {
		case ">", "<":
		default:
			WriteError(w, http.StatusBadRequest, "comparison must be > or <")
			return
		}
		if req.Threshold == nil {
			WriteError(w, http.StatusBadRequest, "threshold is required")
			return
		}
		switch req.Severity {
		case "info", "warn", "critical":
		default:
			WriteError(w, http.StatusBadRequest, "severity must be info, warn or critical")
			return
		}

		cooldown := 15
		if req.CooldownMinutes != nil {
			if *req.CooldownMinutes < 0 {
				WriteError(w, http.StatusBadRequest, "cooldown_minutes must be >= 0")
				return
			}
			cooldown = *req.CooldownMinutes
		}
		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}

		policy, err := st.CreatePolicy(r.Context(), store.Policy{
			ProjectID:       project.ID,
			Name:            req.Name,
			Metric:          req.Metric,
			Comparison:      req.Comparison,
			Threshold:       *req.Threshold,
			Severity:        req.Severity,
			CooldownMinutes: cooldown,
			Active:          active,
		})
		if err != nil {
			slog.Error("create policy failed", "project", project.ID, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		WriteJSON(w, http.StatusCreated, toPolicyResponse(policy))
	})
}
