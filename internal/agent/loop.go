// Package agent implements the Decision Loop (spec §4.5): an append-only
// conversation seeded with a system prompt and the objective, alternating
// language-model turns with tool executions against the Tool Set.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/nikstep/browseragent/internal/annotate"
	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/captcha"
	"github.com/nikstep/browseragent/internal/eventsink"
	"github.com/nikstep/browseragent/internal/model"
	"github.com/nikstep/browseragent/internal/tools"
)

// Config holds the loop's tunables. MaxSteps <= 0 falls back to the spec's
// hard cap of 25.
type Config struct {
	MaxSteps int
}

// Loop drives one Run to completion against one Browser.
type Loop struct {
	cfg            Config
	run            *model.Run
	planner        Planner
	toolbox        tools.Toolbox
	ctrl           browser.Controller
	annotator      *annotate.Annotator
	captchaHandler *captcha.Handler
	sink           eventsink.Sink
	logger         zerolog.Logger

	history []HistoryItem
	lastRaw string
}

// NewLoop builds a Loop. captchaHandler/sink may be nil: a nil handler skips
// the pre-dispatch CAPTCHA guard (the handle_captcha tool itself still
// works if the toolbox was wired with its own precheck func); a nil sink
// discards events.
func NewLoop(cfg Config, run *model.Run, planner Planner, toolbox tools.Toolbox, ctrl browser.Controller, annotator *annotate.Annotator, captchaHandler *captcha.Handler, sink eventsink.Sink, logger zerolog.Logger) *Loop {
	if sink == nil {
		sink = eventsink.Nop{}
	}
	return &Loop{
		cfg:            cfg,
		run:            run,
		planner:        planner,
		toolbox:        toolbox,
		ctrl:           ctrl,
		annotator:      annotator,
		captchaHandler: captchaHandler,
		sink:           sink,
		logger:         logger,
		history:        make([]HistoryItem, 0, 8),
	}
}

// Run executes the loop until completion, a fatal error, or the step cap.
// On completion, a planner/observe failure, or the step cap, the Run's
// terminal status is set in-memory (r.Complete) before Run returns; the
// caller is responsible for storing it. When ctx is cancelled, or the Run
// cannot be dispatched, Run returns that error and leaves the Run
// non-terminal.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.run.Dispatch(); err != nil {
		return err
	}

	maxSteps := l.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 25
	}

	for iter := 1; iter <= maxSteps; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := l.observe(ctx, iter)
		if err != nil {
			return l.run.Complete(model.RunFailed, "", fmt.Sprintf("observe page: %v", err))
		}

		dec, err := l.planner.Next(ctx, state)
		if err != nil {
			return l.run.Complete(model.RunFailed, "", fmt.Sprintf("planner: %v", err))
		}

		// Anti-repetition: identical bracket-stripped text as the previous
		// turn consumes this iteration as a guidance turn rather than a
		// dispatch, without resetting the step budget.
		if l.lastRaw != "" && dec.RawText == l.lastRaw {
			l.logger.Warn().Int("iteration", iter).Msg("repeated model reply, injecting guidance turn")
			l.history = append(l.history, HistoryItem{
				Action: "guidance",
				Result: "repeated the previous reply verbatim; try a different approach",
				Memory: dec.Memory,
			})
			l.lastRaw = ""
			continue
		}
		l.lastRaw = dec.RawText

		if dec.Finish {
			return l.run.Complete(model.RunCompleted, dec.Message, "")
		}

		step := l.run.AppendStep(dec.ActionName, dec.NextGoal, false)
		l.sink.StepStarted(step)

		if observation, detected := l.precheckCaptcha(ctx); detected {
			l.history = append(l.history, HistoryItem{Action: "handle_captcha", Result: observation})
		}

		result, dispatchErr := l.dispatch(ctx, dec)
		if dispatchErr != nil {
			l.run.Steps[len(l.run.Steps)-1].Failed = true
			l.logger.Warn().Err(dispatchErr).Str("action", dec.ActionName).Msg("step failed")
			l.history = append(l.history, HistoryItem{
				Action:                 dec.ActionName,
				Result:                 "error: " + dispatchErr.Error(),
				EvaluationPreviousGoal: dec.EvaluationPreviousGoal,
				Memory:                 dec.Memory,
				NextGoal:               dec.NextGoal,
			})
			l.sink.StepCompleted(step.Number)
			continue
		}

		l.run.Trace.AppendReplayable(commandFromDecision(dec.ActionName, dec.ActionInput))
		l.history = append(l.history, HistoryItem{
			Action:                 dec.ActionName,
			Result:                 result.Observation,
			EvaluationPreviousGoal: dec.EvaluationPreviousGoal,
			Memory:                 dec.Memory,
			NextGoal:               dec.NextGoal,
		})
		l.sink.StepCompleted(step.Number)
	}

	return l.run.Complete(model.RunFailed, "", "max steps")
}

// observe re-annotates the page, captures the screenshot the model reasons
// over, then clears the overlay so it never interferes with the dispatch
// that follows.
func (l *Loop) observe(ctx context.Context, iter int) (State, error) {
	inv, err := l.annotator.Annotate(ctx)
	if err != nil {
		return State{}, fmt.Errorf("annotate: %w", err)
	}
	l.toolbox.SetCandidates(toCandidates(inv))
	stats := annotate.Summarize(inv)
	l.logger.Debug().Int("iteration", iter).Int("links", stats.Links).
		Int("interactive", stats.Interactive).Int("iframes", stats.Iframes).
		Msg("page inventory")

	shot, err := l.ctrl.Screenshot(ctx)
	clearErr := l.annotator.Clear(ctx)
	if err != nil {
		return State{}, fmt.Errorf("screenshot: %w", err)
	}
	if clearErr != nil {
		l.logger.Debug().Err(clearErr).Msg("clear annotation overlay")
	}

	page := l.ctrl.Page()
	return State{
		Task:          l.run.Objective,
		Step:          iter,
		History:       l.history,
		Inventory:     inv.Elements,
		PageURL:       page.URL(),
		PageTitle:     pageTitle(page),
		ScreenshotB64: screenshotB64(shot),
		Tools:         l.toolbox.Describe(),
	}, nil
}

// dispatch invokes the chosen tool, retrying once after a short backoff if
// the failure classifies as transient (spec §7).
func (l *Loop) dispatch(ctx context.Context, dec Decision) (tools.Result, error) {
	result, err := l.toolbox.Invoke(ctx, dec.ActionName, dec.ActionInput)
	if err != nil && classify(err).retryable() {
		time.Sleep(1500 * time.Millisecond)
		result, err = l.toolbox.Invoke(ctx, dec.ActionName, dec.ActionInput)
	}
	return result, err
}

// precheckCaptcha runs the §4.4 guard before every tool dispatch, emitting
// captcha_detected/captcha_solved to the sink. Distinct from the
// handle_captcha tool, which the model can call explicitly when it
// suspects a precheck's solve attempt didn't stick.
func (l *Loop) precheckCaptcha(ctx context.Context) (string, bool) {
	if l.captchaHandler == nil {
		return "", false
	}
	result, err := l.captchaHandler.PreCheck(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("captcha precheck failed")
		return "", false
	}
	if result.Status == captcha.StatusIdle {
		return "", false
	}
	l.sink.CaptchaDetected()
	switch result.Status {
	case captcha.StatusSolved:
		l.sink.CaptchaSolved()
		return fmt.Sprintf("captcha (%s) detected and solved", result.Kind), true
	default:
		return fmt.Sprintf("captcha (%s) detected, solve attempt failed", result.Kind), true
	}
}

func toCandidates(inv annotate.Inventory) []tools.Candidate {
	out := make([]tools.Candidate, 0, len(inv.Elements))
	for _, el := range inv.Elements {
		out = append(out, tools.Candidate{Index: el.Index, Selector: el.Selector, Text: el.Text})
	}
	return out
}

// commandFromDecision maps a dispatched tool call onto its replayable
// Command variant; Trace.AppendReplayable drops the CommandSolveCaptcha
// case automatically.
func commandFromDecision(name string, input map[string]any) model.Command {
	switch name {
	case "handle_url":
		return model.Command{Type: model.CommandNavigate, URL: strField(input, "url")}
	case "handle_search":
		return model.Command{Type: model.CommandSearch, Query: strField(input, "query")}
	case "handle_click":
		return model.Command{Type: model.CommandClick, Identifier: strField(input, "identifier")}
	case "handle_typing":
		return model.Command{Type: model.CommandType_, Placeholder: strField(input, "placeholder_value"), Text: strField(input, "text")}
	case "handle_typing_with_enter":
		return model.Command{Type: model.CommandTypeAndEnter, Placeholder: strField(input, "placeholder_value"), Text: strField(input, "text")}
	case "handle_scroll":
		return model.Command{Type: model.CommandScroll}
	case "handle_back":
		return model.Command{Type: model.CommandBack}
	case "handle_captcha":
		return model.Command{Type: model.CommandSolveCaptcha}
	default:
		return model.Command{}
	}
}

func strField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func pageTitle(page playwright.Page) string {
	title, err := page.Title()
	if err != nil {
		return ""
	}
	return title
}
