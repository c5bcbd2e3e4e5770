package supervisor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nikstep/browseragent/internal/model"
)

type fakeVerifier struct {
	userID string
	err    error
}

func (f fakeVerifier) Verify(token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

type fakeStore struct {
	runs        map[string]*model.Run
	automations map[string]*model.Automation
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]*model.Run{}, automations: map[string]*model.Automation{}}
}

func (s *fakeStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.runs[run.ID] = run
	return nil
}
func (s *fakeStore) GetRun(ctx context.Context, userID, runID string) (*model.Run, error) {
	run, ok := s.runs[runID]
	if !ok || run.UserID != userID {
		return nil, errNotFoundFake
	}
	return run, nil
}
func (s *fakeStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.runs[run.ID] = run
	return nil
}
func (s *fakeStore) ListRuns(ctx context.Context, userID string) ([]*model.Run, error) { return nil, nil }
func (s *fakeStore) SaveAutomation(ctx context.Context, a *model.Automation) error {
	s.automations[a.ID] = a
	return nil
}
func (s *fakeStore) GetAutomation(ctx context.Context, userID, automationID string) (*model.Automation, error) {
	a, ok := s.automations[automationID]
	if !ok || a.UserID != userID {
		return nil, errNotFoundFake
	}
	return a, nil
}
func (s *fakeStore) ListAutomations(ctx context.Context, userID string) ([]*model.Automation, error) {
	return nil, nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errNotFoundFake = fakeErr("not found")

func dialWS(t *testing.T, server *httptest.Server, path string) (*websocket.Conn, func()) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close() }
}

func readOne(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg outbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg inbound) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestHub(auth fakeVerifier, store *fakeStore) (*Hub, *httptest.Server) {
	hub := NewHub(Deps{Auth: auth, Store: store}, zerolog.Nop())
	server := httptest.NewServer(hub.Mux())
	return hub, server
}

func TestAuthenticateRequiredBeforeOtherMessages(t *testing.T) {
	_, server := newTestHub(fakeVerifier{userID: "u1"}, newFakeStore())
	defer server.Close()

	conn, closeConn := dialWS(t, server, "/agent")
	defer closeConn()

	send(t, conn, inbound{Type: "start_agent", RunID: "r1"})
	msg := readOne(t, conn)
	if msg.Type != "error" {
		t.Fatalf("Type = %q, want error", msg.Type)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	_, server := newTestHub(fakeVerifier{userID: "u1"}, newFakeStore())
	defer server.Close()

	conn, closeConn := dialWS(t, server, "/agent")
	defer closeConn()

	send(t, conn, inbound{Type: "authenticate", Token: "tok"})
	msg := readOne(t, conn)
	if msg.Type != "authentication" || msg.Status != "success" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestAuthenticateFailureClosesConnection(t *testing.T) {
	_, server := newTestHub(fakeVerifier{err: errNotFoundFake}, newFakeStore())
	defer server.Close()

	conn, closeConn := dialWS(t, server, "/agent")
	defer closeConn()

	send(t, conn, inbound{Type: "authenticate", Token: "bad"})
	msg := readOne(t, conn)
	if msg.Type != "authentication" || msg.Status != "failed" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestStartScriptRejectedOnLiveEndpoint(t *testing.T) {
	_, server := newTestHub(fakeVerifier{userID: "u1"}, newFakeStore())
	defer server.Close()

	conn, closeConn := dialWS(t, server, "/agent")
	defer closeConn()

	send(t, conn, inbound{Type: "authenticate", Token: "tok"})
	readOne(t, conn) // authentication success

	send(t, conn, inbound{Type: "start_script", AutomationID: "a1"})
	msg := readOne(t, conn)
	if msg.Type != "error" {
		t.Fatalf("Type = %q, want error", msg.Type)
	}
}

func TestStartAgentReplaysTerminalRunWithoutBrowser(t *testing.T) {
	s := newFakeStore()
	run := model.NewRun("u1", "find pricing")
	run.AppendStep("handle_url", "opened home", false)
	if err := run.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := run.Complete(model.RunCompleted, "done", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	s.runs[run.ID] = run

	_, server := newTestHub(fakeVerifier{userID: "u1"}, s)
	defer server.Close()

	conn, closeConn := dialWS(t, server, "/agent")
	defer closeConn()

	send(t, conn, inbound{Type: "authenticate", Token: "tok"})
	readOne(t, conn) // authentication success

	send(t, conn, inbound{Type: "start_agent", RunID: run.ID})
	step := readOne(t, conn)
	if step.Type != "step_update" || step.Step == nil || step.Step.Action != "handle_url" {
		t.Fatalf("step msg = %+v", step)
	}
	completion := readOne(t, conn)
	if completion.Type != "completion" || completion.Status != "completed" || completion.FinalAnswer != "done" {
		t.Fatalf("completion msg = %+v", completion)
	}
}

func TestWSSinkEmitsLiveStepUpdate(t *testing.T) {
	c := &Client{send: make(chan []byte, 4), logger: zerolog.Nop()}
	sink := &wsSink{client: c, kind: model.SessionLive}
	sink.StepStarted(model.Step{Number: 1, Action: "handle_url", Explanation: "go"})

	raw := <-c.send
	var msg outbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "step_update" || msg.Step.Action != "handle_url" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestWSSinkEmitsReplayStepStartedAndCompleted(t *testing.T) {
	c := &Client{send: make(chan []byte, 4), logger: zerolog.Nop()}
	sink := &wsSink{client: c, kind: model.SessionReplay}
	sink.StepStarted(model.Step{Number: 2})
	sink.StepCompleted(2)

	started := <-c.send
	completed := <-c.send
	var startedMsg, completedMsg outbound
	json.Unmarshal(started, &startedMsg)
	json.Unmarshal(completed, &completedMsg)
	if startedMsg.Type != "step_started" || startedMsg.Number != 2 {
		t.Fatalf("started = %+v", startedMsg)
	}
	if completedMsg.Type != "step_completed" || completedMsg.Number != 2 {
		t.Fatalf("completed = %+v", completedMsg)
	}
}

func TestCompletionStatus(t *testing.T) {
	if got := completionStatus(model.RunCompleted); got != "completed" {
		t.Fatalf("completionStatus(Completed) = %q", got)
	}
	if got := completionStatus(model.RunFailed); got != "failed" {
		t.Fatalf("completionStatus(Failed) = %q", got)
	}
}
