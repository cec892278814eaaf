package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateProjectWithKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, k, err := s.CreateProject(ctx, "checkout", "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" || k.Key == "" {
		t.Fatal("expected non-empty project id and api key")
	}
	if len(k.Key) != 64 {
		t.Errorf("key length = %d, want 64", len(k.Key))
	}
	if k.ProjectID != p.ID {
		t.Errorf("key project = %q, want %q", k.ProjectID, p.ID)
	}

	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "checkout" || got.Email != "ops@example.com" {
		t.Errorf("got %+v", got)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetProject(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProjectByAPIKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, k, err := s.CreateProject(ctx, "checkout", "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ProjectByAPIKey(ctx, k.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Errorf("project = %q, want %q", got.ID, p.ID)
	}

	if _, err := s.ProjectByAPIKey(ctx, "bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key err = %v, want ErrNotFound", err)
	}

	// Deactivated keys stop resolving.
	if _, err := s.db.Exec("UPDATE api_keys SET is_active = 0 WHERE id = ?", k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProjectByAPIKey(ctx, k.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("inactive key err = %v, want ErrNotFound", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _, err := s.CreateProject(ctx, "checkout", "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertObservation(ctx, obsAt(p.ID, time.Now().UTC(), 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreatePolicy(ctx, Policy{
		ProjectID: p.ID, Name: "slow", Metric: "latency_p95",
		Comparison: ">", Threshold: 500, Severity: "warn",
		CooldownMinutes: 15, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"api_keys", "observations", "policies"} {
		var count int
		s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		if count != 0 {
			t.Errorf("%s rows after delete = %d, want 0", table, count)
		}
	}

	if err := s.DeleteProject(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListActivePolicies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := testProject(t, s)

	active, err := s.CreatePolicy(ctx, Policy{
		ProjectID: p.ID, Name: "slow", Metric: "latency_p95",
		Comparison: ">", Threshold: 500, Severity: "warn",
		CooldownMinutes: 15, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	disabled, err := s.CreatePolicy(ctx, Policy{
		ProjectID: p.ID, Name: "errors", Metric: "error_rate",
		Comparison: ">", Threshold: 0.05, Severity: "critical",
		CooldownMinutes: 15, Active: false,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListActivePolicies(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("active policies = %+v, want only %q", got, active.ID)
	}

	if err := s.SetPolicyActive(ctx, disabled.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListActivePolicies(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("active policies after enable = %d, want 2", len(got))
	}
}
