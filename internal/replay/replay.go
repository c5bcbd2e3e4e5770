// Package replay implements the Replay Engine (spec §4.6): deterministic,
// command-by-command execution of a stored Trace against the Tool Set, with
// the same CAPTCHA guard the Decision Loop runs and a closing vision-model
// summary instead of a turn-by-turn model conversation.
package replay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/captcha"
	"github.com/nikstep/browseragent/internal/eventsink"
	"github.com/nikstep/browseragent/internal/llm"
	"github.com/nikstep/browseragent/internal/model"
	"github.com/nikstep/browseragent/internal/tools"
)

// stabilityDelay is the pause between dispatched commands, giving the page
// time to settle before the next action and the next CAPTCHA pre-check.
const stabilityDelay = 1 * time.Second

// Engine replays one Trace to completion against a live Browser.
type Engine struct {
	toolbox        tools.Toolbox
	ctrl           browser.Controller
	captchaHandler *captcha.Handler
	llmClient      llm.Client
	sink           eventsink.Sink
	logger         zerolog.Logger
}

func NewEngine(toolbox tools.Toolbox, ctrl browser.Controller, captchaHandler *captcha.Handler, llmClient llm.Client, sink eventsink.Sink, logger zerolog.Logger) *Engine {
	if sink == nil {
		sink = eventsink.Nop{}
	}
	return &Engine{toolbox: toolbox, ctrl: ctrl, captchaHandler: captchaHandler, llmClient: llmClient, sink: sink, logger: logger}
}

// Run dispatches every command in trace against run, in order. Any command's
// failure marks its Step failed and aborts the replay: no further commands
// are dispatched and the Run completes as failed, unlike the Decision Loop
// which continues live.
func (e *Engine) Run(ctx context.Context, run *model.Run, trace model.Trace) error {
	if err := run.Dispatch(); err != nil {
		return err
	}

	for i, cmd := range trace {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, input := invocationFor(cmd)
		step := run.AppendStep(name, fmt.Sprintf("replay step %d/%d", i+1, len(trace)), false)
		e.sink.StepStarted(step)

		if observation, detected := e.precheckCaptcha(ctx); detected {
			e.logger.Info().Str("observation", observation).Msg("captcha encountered during replay")
		}

		if _, err := e.toolbox.Invoke(ctx, name, input); err != nil {
			run.Steps[len(run.Steps)-1].Failed = true
			e.sink.StepCompleted(step.Number)
			e.logger.Warn().Err(err).Str("action", name).Int("step", i+1).Msg("replay step failed, aborting")
			return run.Complete(model.RunFailed, "", fmt.Sprintf("step %d/%d (%s): %v", i+1, len(trace), name, err))
		}

		e.sink.StepCompleted(step.Number)
		time.Sleep(stabilityDelay)
	}

	summary := e.summarize(ctx)
	return run.Complete(model.RunCompleted, summary, "")
}

func (e *Engine) precheckCaptcha(ctx context.Context) (string, bool) {
	if e.captchaHandler == nil {
		return "", false
	}
	result, err := e.captchaHandler.PreCheck(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("captcha precheck failed during replay")
		return "", false
	}
	if result.Status == captcha.StatusIdle {
		return "", false
	}
	e.sink.CaptchaDetected()
	if result.Status == captcha.StatusSolved {
		e.sink.CaptchaSolved()
		return fmt.Sprintf("captcha (%s) detected and solved", result.Kind), true
	}
	return fmt.Sprintf("captcha (%s) detected, solve attempt failed", result.Kind), true
}

// summarize asks the vision model to describe the final page state. On any
// model-call failure it falls back to a neutral message rather than failing
// the whole replay over a summary it can live without.
func (e *Engine) summarize(ctx context.Context) string {
	if e.ctrl == nil || e.llmClient == nil {
		return "completed successfully"
	}
	shot, err := e.ctrl.Screenshot(ctx)
	if err != nil {
		return "completed successfully"
	}
	resp, err := e.llmClient.Generate(ctx, llm.Request{
		System: "Describe in one sentence what the current page shows, for a user who just watched an automated replay finish.",
		Messages: []llm.Message{{
			Role:           "user",
			Content:        "Describe the final page state.",
			ImageB64:       base64.StdEncoding.EncodeToString(shot),
			ImageMediaType: "image/jpeg",
		}},
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if err != nil || resp.Text == "" {
		return "completed successfully"
	}
	return resp.Text
}

// invocationFor maps a stored Command back to a Toolbox invocation. The
// inverse of internal/agent's commandFromDecision.
func invocationFor(cmd model.Command) (string, map[string]any) {
	switch cmd.Type {
	case model.CommandNavigate:
		return "handle_url", map[string]any{"url": cmd.URL}
	case model.CommandSearch:
		return "handle_search", map[string]any{"query": cmd.Query}
	case model.CommandClick:
		return "handle_click", map[string]any{"identifier": cmd.Identifier}
	case model.CommandType_:
		return "handle_typing", map[string]any{"placeholder_value": cmd.Placeholder, "text": cmd.Text}
	case model.CommandTypeAndEnter:
		return "handle_typing_with_enter", map[string]any{"placeholder_value": cmd.Placeholder, "text": cmd.Text}
	case model.CommandScroll:
		return "handle_scroll", map[string]any{}
	case model.CommandBack:
		return "handle_back", map[string]any{}
	default:
		return "handle_back", map[string]any{}
	}
}
