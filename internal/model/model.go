// Package model holds the data types the agent engine persists and streams:
// Run, Step, Trace, Automation, Session and PageState, per the system's
// data model.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a Run's lifecycle status.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunInProgress RunStatus = "INPROGRESS"
	RunFailed     RunStatus = "FAILED"
	RunCompleted  RunStatus = "COMPLETED"
)

func (s RunStatus) Terminal() bool {
	return s == RunFailed || s == RunCompleted
}

// Step is one observable decision cycle. Appended only; the latest Step's
// Failed flag may be set after its dispatch, and a Step is never mutated
// once a later Step exists.
type Step struct {
	Number      int       `json:"number"`
	Action      string    `json:"action"`
	Explanation string    `json:"explanation"`
	Failed      bool      `json:"failed,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CommandType tags a Command variant.
type CommandType string

const (
	CommandNavigate     CommandType = "navigate"
	CommandSearch       CommandType = "search"
	CommandClick        CommandType = "click"
	CommandType_        CommandType = "type" // "Type" shadows the Go builtin name, kept as the wire tag
	CommandTypeAndEnter CommandType = "type_and_enter"
	CommandScroll       CommandType = "scroll"
	CommandBack         CommandType = "back"
	CommandSolveCaptcha CommandType = "solve_captcha"
)

// Command is a tagged variant of one replayable browser action. Only the
// fields relevant to Type are populated; the rest are zero.
type Command struct {
	Type        CommandType `json:"type"`
	URL         string      `json:"url,omitempty"`
	Query       string      `json:"query,omitempty"`
	Identifier  string      `json:"identifier,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Text        string      `json:"text,omitempty"`
}

// IsReplayable reports whether a command belongs in a persisted Trace.
// SolveCaptcha commands are produced live but excluded from replay traces —
// CAPTCHA handling is implicit in replay (spec §3 Trace).
func (c Command) IsReplayable() bool {
	return c.Type != CommandSolveCaptcha
}

// Trace is a finite ordered sequence of Commands.
type Trace []Command

// AppendReplayable appends cmd to the trace unless it is a SolveCaptcha
// command, preserving invariant I3 (Trace length <= Steps length).
func (t *Trace) AppendReplayable(cmd Command) {
	if cmd.IsReplayable() {
		*t = append(*t, cmd)
	}
}

// Run is one end-to-end execution of a user objective.
type Run struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Objective   string    `json:"objective"`
	Status      RunStatus `json:"status"`
	Steps       []Step    `json:"steps"`
	FinalAnswer string    `json:"finalAnswer,omitempty"`
	FailReason  string    `json:"failReason,omitempty"`
	Trace       Trace     `json:"trace"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// NewRun creates a Run in PENDING status, as created externally per spec §3.
func NewRun(userID, objective string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		UserID:    userID,
		Objective: objective,
		Status:    RunPending,
	}
}

// Dispatch transitions a Run to INPROGRESS on Supervisor dispatch.
func (r *Run) Dispatch() error {
	if r.Status != RunPending && !r.Status.Terminal() {
		return nil // already in progress, dispatch is idempotent for resume
	}
	if r.Status.Terminal() {
		return fmt.Errorf("run %s already terminal (%s)", r.ID, r.Status)
	}
	r.Status = RunInProgress
	r.StartedAt = time.Now()
	return nil
}

// AppendStep appends a densely-numbered Step (invariant I1).
func (r *Run) AppendStep(action, explanation string, failed bool) Step {
	step := Step{
		Number:      len(r.Steps) + 1,
		Action:      action,
		Explanation: explanation,
		Failed:      failed,
		CreatedAt:   time.Now(),
	}
	r.Steps = append(r.Steps, step)
	return step
}

// Complete transitions a Run to its terminal state exactly once (invariant I2).
// Immutable after terminal.
func (r *Run) Complete(status RunStatus, finalAnswer, failReason string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("run %s already terminal", r.ID)
	}
	if !status.Terminal() {
		return fmt.Errorf("Complete requires a terminal status, got %s", status)
	}
	r.Status = status
	r.FinalAnswer = finalAnswer
	r.FailReason = failReason
	r.CompletedAt = time.Now()
	return nil
}

// Automation is a saved Trace, independent of any Run, replayable any
// number of times.
type Automation struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Objective string `json:"objective"`
	Trace     Trace  `json:"trace"`
}

// NewAutomation constructs an Automation with a fresh identity.
func NewAutomation(userID, name, objective string, trace Trace) *Automation {
	return &Automation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Objective: objective,
		Trace:     trace,
	}
}

// SessionKind distinguishes a session's bound endpoint.
type SessionKind string

const (
	SessionLive   SessionKind = "live"
	SessionReplay SessionKind = "replay"
)

// Session pairs one client connection with at most one active Run or
// Automation (spec §3 Session invariants).
type Session struct {
	ID            string
	UserID        string
	Kind          SessionKind
	Authenticated bool
	RunID         string
	AutomationID  string
	agentStarted  bool
}

// NewSession creates an unauthenticated session bound to kind.
func NewSession(kind SessionKind) *Session {
	return &Session{ID: uuid.NewString(), Kind: kind}
}

// Authenticate marks the session authenticated under userID. Required
// before any control message is honored.
func (s *Session) Authenticate(userID string) {
	s.Authenticated = true
	s.UserID = userID
}

// StartAgent records that exactly one agent has been started on this
// session; returns an error on a second attempt (spec §4.7 invariant).
func (s *Session) StartAgent(id string) error {
	if s.agentStarted {
		return fmt.Errorf("session %s: agent already started", s.ID)
	}
	s.agentStarted = true
	if s.Kind == SessionReplay {
		s.AutomationID = id
	} else {
		s.RunID = id
	}
	return nil
}

// PageState is a transient per-decision-turn capture: a base64 JPEG of the
// viewport with annotation overlays removed before capture and reapplied
// before the next turn.
type PageState struct {
	ScreenshotB64 string
	URL           string
	Title         string
}
