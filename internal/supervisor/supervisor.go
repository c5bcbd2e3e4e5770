// Package supervisor implements the Session Supervisor (spec §4.7): the
// websocket control plane that authenticates a client, loads its Run or
// Automation, and drives a Decision Loop or Replay Engine against a fresh
// Browser for the life of the connection. Hub/Client/readPump/writePump are
// adapted from a chat gateway's connection-registry pattern, retargeted to
// this system's two named endpoints and wire messages (spec §6).
package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nikstep/browseragent/internal/agent"
	"github.com/nikstep/browseragent/internal/annotate"
	"github.com/nikstep/browseragent/internal/auth"
	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/captcha"
	"github.com/nikstep/browseragent/internal/llm"
	"github.com/nikstep/browseragent/internal/metrics"
	"github.com/nikstep/browseragent/internal/model"
	"github.com/nikstep/browseragent/internal/replay"
	"github.com/nikstep/browseragent/internal/store"
	"github.com/nikstep/browseragent/internal/tools"
)

const (
	heartbeatInterval       = 30 * time.Second
	pongWait                = 45 * time.Second
	writeWait               = 10 * time.Second
	reliableSendTimeout     = 5 * time.Second
	liveScreenshotCadence   = 1 * time.Second
	replayScreenshotCadence = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps are the collaborators a dispatched agent run is built from.
type Deps struct {
	Auth     auth.Verifier
	Store    store.Store
	Launcher *browser.Launcher
	Vision   llm.Client
	MaxSteps int
}

// Hub owns the set of connected clients. It has no per-session state of its
// own beyond that registry; everything about a running agent lives on the
// Client goroutine that started it.
type Hub struct {
	deps    Deps
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(deps Deps, logger zerolog.Logger) *Hub {
	return &Hub{deps: deps, logger: logger, clients: make(map[*Client]struct{})}
}

// ServeAgent upgrades a connection onto the live endpoint ("/agent").
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.SessionLive)
}

// ServeAutomation upgrades a connection onto the replay endpoint ("/automation").
func (h *Hub) ServeAutomation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.SessionReplay)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, kind model.SessionKind) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	session := model.NewSession(kind)
	client := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     h,
		session: session,
		logger:  h.logger.With().Str("session", session.ID).Str("kind", string(kind)).Logger(),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ActiveSessions reports the number of currently registered connections,
// for wiring into the active_sessions gauge.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Mux returns the two named endpoints spec §6 defines, rejecting every
// other upgrade path with the handler's default 404.
func (h *Hub) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", h.ServeAgent)
	mux.HandleFunc("/automation", h.ServeAutomation)
	return mux
}

// inbound is the client -> server envelope (spec §6). Only the fields
// relevant to Type are populated on any given message.
type inbound struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	RunID        string `json:"runId"`
	AutomationID string `json:"automationId"`
}

// outbound is the server -> client envelope.
type outbound struct {
	Type         string       `json:"type"`
	Status       string       `json:"status,omitempty"`
	Error        string       `json:"error,omitempty"`
	Step         *stepWire    `json:"step,omitempty"`
	Number       int          `json:"number,omitempty"`
	Screenshot   string       `json:"screenshot,omitempty"`
	RunID        string       `json:"runId,omitempty"`
	AutomationID string       `json:"automationId,omitempty"`
	FinalAnswer  string       `json:"finalAnswer,omitempty"`
	Message      string       `json:"message,omitempty"`
	Steps        []model.Step `json:"steps,omitempty"`
	Commands     model.Trace  `json:"commands,omitempty"`
}

type stepWire struct {
	Number      int    `json:"number"`
	Action      string `json:"action"`
	Explanation string `json:"explanation"`
}

// Client is one upgraded connection, bound to exactly one Session for its
// entire lifetime.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	session *model.Session
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *Client) readPump() {
	defer func() {
		c.stopAgent()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}

		if msg.Type == "heartbeat" {
			continue // the read deadline/pong handler above already track liveness
		}
		if !c.session.Authenticated && msg.Type != "authenticate" {
			c.sendError("authenticate first")
			continue
		}

		switch msg.Type {
		case "authenticate":
			c.handleAuthenticate(msg.Token)
		case "start_agent":
			c.handleStartAgent(msg.RunID)
		case "start_script":
			c.handleStartScript(msg.AutomationID)
		default:
			c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendReliable delivers step_*, captcha_*, authentication, error and
// completion events. It must not be silently dropped (spec §5 backpressure),
// so it blocks up to reliableSendTimeout before giving up on a stuck client.
func (c *Client) sendReliable(v outbound) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-time.After(reliableSendTimeout):
		c.logger.Warn().Str("type", v.Type).Msg("reliable event dropped, client too slow")
	}
}

// sendLossy delivers screenshot_update events, which spec §5 explicitly
// allows to drop under backpressure.
func (c *Client) sendLossy(v outbound) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(msg string) {
	c.sendReliable(outbound{Type: "error", Error: msg})
}

func (c *Client) handleAuthenticate(token string) {
	if c.session.Authenticated {
		c.sendError("already authenticated")
		return
	}
	userID, err := c.hub.deps.Auth.Verify(token)
	if err != nil {
		c.sendReliable(outbound{Type: "authentication", Status: "failed", Error: err.Error()})
		c.conn.Close()
		return
	}
	c.session.Authenticate(userID)
	c.sendReliable(outbound{Type: "authentication", Status: "success"})
}

func (c *Client) handleStartAgent(runID string) {
	if c.session.Kind != model.SessionLive {
		c.sendError("start_agent is only valid on the live endpoint")
		return
	}
	if err := c.session.StartAgent(runID); err != nil {
		c.sendError(err.Error())
		return
	}

	ctx := context.Background()
	run, err := c.hub.deps.Store.GetRun(ctx, c.session.UserID, runID)
	if err != nil {
		c.sendError(fmt.Sprintf("load run: %v", err))
		return
	}
	if run.Status.Terminal() {
		c.replayPersisted(run)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.runLive(runCtx, run)
}

func (c *Client) handleStartScript(automationID string) {
	if c.session.Kind != model.SessionReplay {
		c.sendError("start_script is only valid on the replay endpoint")
		return
	}
	if err := c.session.StartAgent(automationID); err != nil {
		c.sendError(err.Error())
		return
	}

	ctx := context.Background()
	automation, err := c.hub.deps.Store.GetAutomation(ctx, c.session.UserID, automationID)
	if err != nil {
		c.sendError(fmt.Sprintf("load automation: %v", err))
		return
	}

	run := model.NewRun(c.session.UserID, automation.Objective)
	run.Trace = automation.Trace

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.runReplay(runCtx, run)
}

// replayPersisted handles a start_agent naming a Run that already reached a
// terminal status: replay its persisted Steps/Trace as a completion and
// close, rather than allocating a Browser (spec §4.7 step 3).
func (c *Client) replayPersisted(run *model.Run) {
	for _, step := range run.Steps {
		c.sendReliable(outbound{Type: "step_update", Step: &stepWire{
			Number: step.Number, Action: step.Action, Explanation: step.Explanation,
		}})
	}
	c.sendReliable(outbound{
		Type: "completion", Status: completionStatus(run.Status),
		FinalAnswer: run.FinalAnswer, Message: run.FailReason,
		Steps: run.Steps, Commands: run.Trace,
	})
	c.conn.Close()
}

func (c *Client) runLive(ctx context.Context, run *model.Run) {
	defer c.stopAgent()

	ctrl, err := c.hub.deps.Launcher.NewController(ctx, "")
	if err != nil {
		c.failRun(run, fmt.Sprintf("browser init: %v", err))
		return
	}
	guarded := newSyncController(ctrl)
	defer guarded.Close(context.Background())

	captchaHandler := captcha.New(guarded, c.hub.deps.Vision, c.logger.With().Str("comp", "captcha").Logger())
	toolbox := tools.New(guarded, captchaPrecheckFunc(captchaHandler))
	annotator := annotate.New(guarded)
	planner := agent.NewPlanner(c.hub.deps.Vision)
	sink := metrics.Sink{Next: &wsSink{client: c, kind: model.SessionLive}}

	stopPump := c.startScreenshotPump(ctx, guarded, run.ID)
	defer stopPump()

	loop := agent.NewLoop(agent.Config{MaxSteps: c.hub.deps.MaxSteps}, run, planner, toolbox, guarded, annotator, captchaHandler, sink, c.logger)
	if err := loop.Run(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("live loop exited with error")
	}

	c.persistAndComplete(context.Background(), run)
}

func (c *Client) runReplay(ctx context.Context, run *model.Run) {
	defer c.stopAgent()

	ctrl, err := c.hub.deps.Launcher.NewController(ctx, "")
	if err != nil {
		c.failRun(run, fmt.Sprintf("browser init: %v", err))
		return
	}
	guarded := newSyncController(ctrl)
	defer guarded.Close(context.Background())

	captchaHandler := captcha.New(guarded, c.hub.deps.Vision, c.logger.With().Str("comp", "captcha").Logger())
	toolbox := tools.New(guarded, captchaPrecheckFunc(captchaHandler))
	sink := metrics.Sink{Next: &wsSink{client: c, kind: model.SessionReplay}}

	stopPump := c.startScreenshotPump(ctx, guarded, run.ID)
	defer stopPump()

	engine := replay.NewEngine(toolbox, guarded, captchaHandler, c.hub.deps.Vision, sink, c.logger)
	if err := engine.Run(ctx, run, run.Trace); err != nil {
		c.logger.Warn().Err(err).Msg("replay exited with error")
	}

	c.persistAndComplete(context.Background(), run)
	metrics.RecordReplayCompletion(run.Status)
}

func (c *Client) persistAndComplete(ctx context.Context, run *model.Run) {
	if err := c.hub.deps.Store.UpdateRun(ctx, run); err != nil {
		c.logger.Error().Err(err).Msg("persist run")
	}
	c.sendReliable(outbound{
		Type: "completion", Status: completionStatus(run.Status),
		FinalAnswer: run.FinalAnswer, Message: run.FailReason,
		Steps: run.Steps, Commands: run.Trace,
	})
}

func (c *Client) failRun(run *model.Run, reason string) {
	_ = run.Complete(model.RunFailed, "", reason)
	if err := c.hub.deps.Store.UpdateRun(context.Background(), run); err != nil {
		c.logger.Error().Err(err).Msg("persist failed run")
	}
	c.sendReliable(outbound{Type: "completion", Status: "failed", Message: reason})
}

func completionStatus(status model.RunStatus) string {
	if status == model.RunCompleted {
		return "completed"
	}
	return "failed"
}

// startScreenshotPump runs the cadence-driven screenshot capture described
// in spec §4.7 step 3. It shares the syncController's mutex with the
// running Loop/Engine, so it never races a tool-dispatched screenshot.
func (c *Client) startScreenshotPump(ctx context.Context, ctrl browser.Controller, runID string) func() {
	cadence := liveScreenshotCadence
	if c.session.Kind == model.SessionReplay {
		cadence = replayScreenshotCadence
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				shot, err := ctrl.Screenshot(pumpCtx)
				if err != nil {
					continue
				}
				c.sendLossy(outbound{
					Type: "screenshot_update", Screenshot: base64.StdEncoding.EncodeToString(shot), RunID: runID,
				})
			}
		}
	}()
	return cancel
}

func (c *Client) stopAgent() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// wsSink bridges the Decision Loop's and Replay Engine's eventsink.Sink
// calls onto the wire shapes spec §6 defines for each: live sends a single
// step_update per step, replay sends paired step_started/step_completed.
type wsSink struct {
	client *Client
	kind   model.SessionKind
}

func (s *wsSink) StepStarted(step model.Step) {
	if s.kind == model.SessionReplay {
		s.client.sendReliable(outbound{Type: "step_started", Number: step.Number})
		return
	}
	s.client.sendReliable(outbound{Type: "step_update", Step: &stepWire{
		Number: step.Number, Action: step.Action, Explanation: step.Explanation,
	}})
}

func (s *wsSink) StepCompleted(number int) {
	if s.kind == model.SessionReplay {
		s.client.sendReliable(outbound{Type: "step_completed", Number: number})
	}
}

func (s *wsSink) CaptchaDetected() {
	s.client.sendReliable(outbound{Type: "captcha_detected"})
}

func (s *wsSink) CaptchaSolved() {
	s.client.sendReliable(outbound{Type: "captcha_solved"})
}

// captchaPrecheckFunc adapts a captcha.Handler into the Toolbox's explicit
// handle_captcha dispatch path, distinct from the Loop/Engine's own
// automatic pre-dispatch guard.
func captchaPrecheckFunc(h *captcha.Handler) tools.CaptchaPrecheckFunc {
	return func(ctx context.Context) (string, error) {
		result, err := h.PreCheck(ctx)
		if err != nil {
			return "", err
		}
		switch result.Status {
		case captcha.StatusIdle:
			return "no captcha detected", nil
		case captcha.StatusSolved:
			return fmt.Sprintf("captcha (%s) detected and solved", result.Kind), nil
		default:
			return fmt.Sprintf("captcha (%s) detected, solve attempt failed", result.Kind), nil
		}
	}
}
