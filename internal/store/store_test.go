package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nikstep/browseragent/internal/model"
)

func TestCreateAndGetRunRoundTrips(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run := model.NewRun("user-1", "find the pricing page")
	run.AppendStep("handle_url", "opened homepage", false)

	ctx := context.Background()
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "user-1", run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Objective != run.Objective {
		t.Fatalf("Objective = %q, want %q", got.Objective, run.Objective)
	}
	if len(got.Steps) != 1 || got.Steps[0].Action != "handle_url" {
		t.Fatalf("Steps = %+v", got.Steps)
	}
}

func TestGetRunScopesToUser(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run := model.NewRun("user-1", "task")
	ctx := context.Background()
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.GetRun(ctx, "user-2", run.ID); err != ErrNotFound {
		t.Fatalf("GetRun as wrong user = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunPersistsStatus(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run := model.NewRun("user-1", "task")
	ctx := context.Background()
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(model.RunCompleted, "done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "user-1", run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunCompleted || got.FinalAnswer != "done" {
		t.Fatalf("got Status=%v FinalAnswer=%q", got.Status, got.FinalAnswer)
	}
}

func TestRunStepsStoredAsSingleObjectWithFinalAnswer(t *testing.T) {
	run := model.NewRun("user-1", "task")
	run.AppendStep("handle_url", "opened homepage", false)
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(model.RunCompleted, "done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	row, err := toRunRow(run)
	if err != nil {
		t.Fatalf("toRunRow: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(row.StepsJSON), &payload); err != nil {
		t.Fatalf("unmarshal StepsJSON: %v", err)
	}
	if _, ok := payload["steps"]; !ok {
		t.Fatalf("StepsJSON missing \"steps\" key: %s", row.StepsJSON)
	}
	if got, ok := payload["finalAnswer"]; !ok || got != "done" {
		t.Fatalf("StepsJSON finalAnswer = %v, want %q", got, "done")
	}
}

func TestSaveAndGetAutomation(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	trace := model.Trace{{Type: model.CommandNavigate, URL: "https://example.com"}}
	automation := model.NewAutomation("user-1", "open example", "go to example.com", trace)

	ctx := context.Background()
	if err := s.SaveAutomation(ctx, automation); err != nil {
		t.Fatalf("SaveAutomation: %v", err)
	}
	got, err := s.GetAutomation(ctx, "user-1", automation.ID)
	if err != nil {
		t.Fatalf("GetAutomation: %v", err)
	}
	if len(got.Trace) != 1 || got.Trace[0].URL != "https://example.com" {
		t.Fatalf("Trace = %+v", got.Trace)
	}
}

func TestListRunsScopesToUser(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateRun(ctx, model.NewRun("user-1", "a")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, model.NewRun("user-2", "b")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	runs, err := s.ListRuns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
}
