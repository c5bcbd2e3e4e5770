package model

import "testing"

func TestNewRunStartsPending(t *testing.T) {
	run := NewRun("user-1", "find the pricing page")
	if run.Status != RunPending {
		t.Fatalf("Status = %v, want RunPending", run.Status)
	}
	if run.ID == "" {
		t.Fatal("expected a generated ID")
	}
}

func TestDispatchTransitionsToInProgress(t *testing.T) {
	run := NewRun("user-1", "task")
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunInProgress {
		t.Fatalf("Status = %v, want RunInProgress", run.Status)
	}
	if run.StartedAt.IsZero() {
		t.Fatal("expected StartedAt to be set")
	}
}

func TestDispatchRejectsTerminalRun(t *testing.T) {
	run := NewRun("user-1", "task")
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(RunCompleted, "done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := run.Dispatch(); err == nil {
		t.Fatal("expected an error dispatching an already-terminal run")
	}
}

func TestAppendStepNumbersDensely(t *testing.T) {
	run := NewRun("user-1", "task")
	run.AppendStep("handle_url", "open home", false)
	step := run.AppendStep("handle_click", "click buy", false)
	if step.Number != 2 {
		t.Fatalf("Number = %d, want 2", step.Number)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(run.Steps))
	}
}

func TestCompleteIsTerminalOnce(t *testing.T) {
	run := NewRun("user-1", "task")
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(RunCompleted, "done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := run.Complete(RunFailed, "", "boom"); err == nil {
		t.Fatal("expected an error completing an already-terminal run")
	}
	if run.Status != RunCompleted {
		t.Fatalf("Status = %v, want RunCompleted to stick", run.Status)
	}
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	run := NewRun("user-1", "task")
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(RunInProgress, "", ""); err == nil {
		t.Fatal("expected an error completing with a non-terminal status")
	}
}

func TestTraceAppendReplayableDropsSolveCaptcha(t *testing.T) {
	var trace Trace
	trace.AppendReplayable(Command{Type: CommandNavigate, URL: "https://example.com"})
	trace.AppendReplayable(Command{Type: CommandSolveCaptcha})
	trace.AppendReplayable(Command{Type: CommandClick, Identifier: "Buy"})

	if len(trace) != 2 {
		t.Fatalf("len(trace) = %d, want 2", len(trace))
	}
	for _, cmd := range trace {
		if cmd.Type == CommandSolveCaptcha {
			t.Fatal("solve_captcha leaked into a replayable trace")
		}
	}
}

func TestSessionStartAgentOnlyOnce(t *testing.T) {
	session := NewSession(SessionLive)
	session.Authenticate("user-1")
	if err := session.StartAgent("run-1"); err != nil {
		t.Fatalf("first StartAgent: %v", err)
	}
	if session.RunID != "run-1" {
		t.Fatalf("RunID = %q, want run-1", session.RunID)
	}
	if err := session.StartAgent("run-2"); err == nil {
		t.Fatal("expected an error starting a second agent on the same session")
	}
	if session.RunID != "run-1" {
		t.Fatalf("RunID changed to %q after rejected second start", session.RunID)
	}
}

func TestSessionStartAgentBindsAutomationIDForReplayKind(t *testing.T) {
	session := NewSession(SessionReplay)
	session.Authenticate("user-1")
	if err := session.StartAgent("automation-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if session.AutomationID != "automation-1" {
		t.Fatalf("AutomationID = %q, want automation-1", session.AutomationID)
	}
	if session.RunID != "" {
		t.Fatalf("RunID = %q, want empty for a replay session", session.RunID)
	}
}
