package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ternhq/tern/internal/store"
)

type projectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	CreatedAt string `json:"created_at"`
}

// HandleListProjects returns all projects.
func HandleListProjects(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projects, err := st.ListProjects(r.Context())
		if err != nil {
			slog.Error("list projects failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]projectResponse, 0, len(projects))
		for _, p := range projects {
			out = append(out, projectResponse{
				ID:        p.ID,
				Name:      p.Name,
				CreatedAt: p.CreatedAt.Format(time.RFC3339),
			})
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

// HandleCreateProject creates a project together with its API key and
// returns the key once, in the creation response.
func HandleCreateProject(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		if req.Email == "" {
			WriteError(w, http.StatusBadRequest, "email is required")
			return
		}

		project, key, err := st.CreateProject(r.Context(), req.Name, req.Email)
		if err != nil {
			slog.Error("create project failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}

		WriteJSON(w, http.StatusCreated, projectResponse{
			ID:        project.ID,
			Name:      project.Name,
			Email:     project.Email,
			APIKey:    key.Key,
			CreatedAt: project.CreatedAt.Format(time.RFC3339),
		})
	})
}

// HandleDeleteProject removes a project and everything it owns.
func HandleDeleteProject(st *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := st.DeleteProject(r.Context(), r.PathValue("id"))
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "project not found")
			return
		}
		if err != nil {
			slog.Error("delete project failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
