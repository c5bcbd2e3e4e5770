package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nikstep/browseragent/internal/annotate"
	"github.com/nikstep/browseragent/internal/llm"
	"github.com/nikstep/browseragent/internal/tools"
)

// buildSystemPrompt describes the eight tool contracts, the annotated
// screenshot's numbered labels, and the required JSON reply shape. CAPTCHAs
// appear only in the handle_captcha entry, which tells the model it rarely
// needs that tool: the Decision Loop's own §4.4 pre-check handles CAPTCHAs
// before every dispatch.
func buildSystemPrompt(task string) string {
	return `You are an autonomous browser agent that completes a task in a real browser by calling one tool per step.

<user_request>
This is your ultimate objective and always remains visible. If the request names explicit steps, follow them in order; if it is open-ended, plan your own path.
</user_request>

<browser_state>
Each step you receive an annotated screenshot of the current page plus a text listing of its elements. Elements with no natural text already carry a numbered yellow label in the screenshot and in the listing as "[N]"; elements with visible text, an aria-label, or a placeholder are listed by that text instead and can be targeted by it directly.
- Only interact with elements present in the CURRENT browser_state. If something you remember from history isn't in the current listing, the page has changed and it no longer exists.
- The page state is captured fresh after every action. Never call handle_scroll or any other tool just to "wait and see" — the next step's browser_state already reflects the result of your last action.
</browser_state>

<agent_history>
History is given as a list of prior steps:
<step_N>:
Evaluation of Previous Step: assessment of the last action
Memory: running notes on progress (e.g. "opened search results, 2 of 5 items checked")
Next Goal: what that step was trying to do
Action Results: the action taken and its observation
</step_N>

Use Memory to avoid repeating an action that already succeeded, and to notice when you are stuck repeating the same thing without progress.
</agent_history>

<tools>
- handle_url{url}: navigate to an absolute URL.
- handle_search{query}: find the visible search input on the current page and submit a query. It does not open a new site — navigate there first with handle_url if you need a different search engine.
- handle_click{identifier}: click by numbered label ("3") or by visible text/attribute value.
- handle_typing{placeholder_value, text}: type into a field matched by its placeholder, aria-label, name, or id.
- handle_typing_with_enter{placeholder_value, text}: same, then presses Enter.
- handle_scroll{direction, amount}: scroll the page (direction: down|up|top|bottom).
- handle_back{}: go back in browser history.
- handle_captcha{}: only call this if you believe a CAPTCHA needs a second attempt after one was already reported solved-but-still-present; otherwise you never need to call it yourself.
</tools>

<output_format>
Respond with exactly one JSON object, nothing else:
{
  "thinking": "brief reasoning about current state and what to do next",
  "evaluation_previous_goal": "one sentence: did the last action succeed, fail, or is it uncertain",
  "memory": "1-3 sentences tracking progress so far",
  "next_goal": "the immediate goal for this step",
  "action": "one of the tool names above, or \"finish\"",
  "input": { ... arguments for that tool ... }
}
When action is "finish", input MUST include a "message" key summarizing what was accomplished and any results the user needs. Call finish once the request is fully satisfied, once you reach the final allowed step, or if continuing is genuinely impossible.
</output_format>

<rules>
- Exactly one action per step; never try to combine or sequence multiple tool calls in one reply.
- Do not use "multi_tool_use.parallel" — one action at a time.
- Before acting, check whether the <user_request> is already satisfied by what history shows; if so, finish immediately instead of taking another action.
</rules>`
}

// Planner is the decision-making half of the loop: one model call per
// iteration, given the current page state and history, producing the next
// tool call (or a finish signal).
type Planner interface {
	Next(ctx context.Context, state State) (Decision, error)
}

// State is everything a Planner needs to decide the next action. Inventory
// comes from the Page Annotator (spec §4.2); ScreenshotB64 is the same
// annotated capture sent to the model as an image.
type State struct {
	Task          string
	Step          int
	History       []HistoryItem
	Inventory     []annotate.Element
	PageURL       string
	PageTitle     string
	ScreenshotB64 string
	Tools         []tools.Tool
}

// HistoryItem is one completed (or failed, or guidance-only) turn, formatted
// back into the next prompt so the model can track its own progress.
type HistoryItem struct {
	Action                 string `json:"action"`
	Result                 string `json:"result"`
	EvaluationPreviousGoal string `json:"evaluation_previous_goal,omitempty"`
	Memory                 string `json:"memory,omitempty"`
	NextGoal               string `json:"next_goal,omitempty"`
}

// Decision is a Planner's parsed reply: either a tool call or a finish.
type Decision struct {
	ActionName             string
	ActionInput            map[string]any
	Finish                 bool
	Message                string
	Thinking               string
	EvaluationPreviousGoal string
	Memory                 string
	NextGoal               string
	RawText                string // bracket-stripped for anti-repetition comparison
}

type fastPlanner struct {
	llm llm.Client
}

func NewPlanner(client llm.Client) Planner {
	return &fastPlanner{llm: client}
}

func (p *fastPlanner) Next(ctx context.Context, state State) (Decision, error) {
	systemPrompt := buildSystemPrompt(state.Task)
	msg := fmt.Sprintf(`<user_request>
%s
</user_request>

<agent_state>
Step: %d
</agent_state>

<browser_state>
URL: %s
Title: %s
%s
</browser_state>

<agent_history>
%s
</agent_history>

Respond with the JSON object described in your instructions, nothing else.`,
		state.Task,
		state.Step,
		state.PageURL,
		state.PageTitle,
		formatInventory(state.Inventory),
		formatHistory(state.History))

	resp, err := p.llm.Generate(ctx, llm.Request{
		System: systemPrompt,
		Messages: []llm.Message{{
			Role:     "user",
			Content:  msg,
			ImageB64: state.ScreenshotB64,
		}},
		Tools:       toLLMTools(state.Tools),
		Temperature: 0.0,
		MaxTokens:   2000,
	})
	if err != nil {
		return Decision{}, err
	}
	dec, err := parseDecision(resp.Text)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: raw=%q", err, resp.Text)
	}
	return dec, nil
}

// formatInventory lists every annotated element: numbered-label elements by
// index, natural-identifier elements by their text, capped to keep the
// prompt bounded.
func formatInventory(elements []annotate.Element) string {
	if len(elements) == 0 {
		return "Elements: none found"
	}
	const maxListed = 80
	var b strings.Builder
	fmt.Fprintf(&b, "Elements: %d\n", len(elements))
	for i, el := range elements {
		if i >= maxListed {
			fmt.Fprintf(&b, "... %d more not shown\n", len(elements)-maxListed)
			break
		}
		label := el.Text
		if label == "" {
			label = el.Selector
		}
		if el.Index > 0 {
			fmt.Fprintf(&b, "[%d] %s %q\n", el.Index, el.TagName, truncateText(label, 60))
		} else {
			fmt.Fprintf(&b, "%s %q\n", el.TagName, truncateText(label, 60))
		}
	}
	return b.String()
}

// parseDecision extracts the JSON object from text (tolerating a
// multi_tool_use.parallel wrapper some models emit when asked for a single
// call) and validates the finish action carries a message.
func parseDecision(text string) (Decision, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return Decision{}, err
	}
	var parsed struct {
		Thinking               string      `json:"thinking"`
		EvaluationPreviousGoal string      `json:"evaluation_previous_goal"`
		Memory                 string      `json:"memory"`
		NextGoal               string      `json:"next_goal"`
		Action                 string      `json:"action"`
		Input                  interface{} `json:"input"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Decision{}, fmt.Errorf("llm json parse: %w", err)
	}

	var actionInput map[string]any
	if parsed.Action == "multi_tool_use.parallel" {
		inputArr, ok := parsed.Input.([]interface{})
		if !ok || len(inputArr) == 0 {
			return Decision{}, fmt.Errorf("multi_tool_use.parallel: empty input array")
		}
		first, ok := inputArr[0].(map[string]interface{})
		if !ok {
			return Decision{}, fmt.Errorf("multi_tool_use.parallel: malformed first entry")
		}
		name, ok := first["name"].(string)
		if !ok {
			return Decision{}, fmt.Errorf("multi_tool_use.parallel: first entry missing name")
		}
		parsed.Action = name
		actionInput = make(map[string]any)
		for k, v := range first {
			if k != "name" {
				actionInput[k] = v
			}
		}
	} else if m, ok := parsed.Input.(map[string]any); ok {
		actionInput = m
	} else {
		actionInput = make(map[string]any)
	}

	actionName := strings.TrimSpace(parsed.Action)
	actionName = strings.TrimPrefix(actionName, "functions.")

	dec := Decision{
		ActionName:             actionName,
		ActionInput:            actionInput,
		Thinking:               strings.TrimSpace(parsed.Thinking),
		EvaluationPreviousGoal: strings.TrimSpace(parsed.EvaluationPreviousGoal),
		Memory:                 strings.TrimSpace(parsed.Memory),
		NextGoal:               strings.TrimSpace(parsed.NextGoal),
		RawText:                stripBracketed(text),
	}

	if dec.ActionName == "finish" {
		dec.Finish = true
		if msg, ok := actionInput["message"].(string); ok && strings.TrimSpace(msg) != "" {
			dec.Message = strings.TrimSpace(msg)
		}
		if dec.Message == "" {
			return Decision{}, fmt.Errorf("finish action requires 'message' field in input (got: %v)", actionInput)
		}
	}
	return dec, nil
}

// stripBracketed removes every <...> and [...] span (the brackets and what is
// inside them; text between an opening and a closing tag is kept) and
// collapses whitespace before the anti-repetition comparison, so two turns
// that differ only in a changing step number or timestamp prefix still
// compare equal.
func stripBracketed(text string) string {
	var b strings.Builder
	depth := 0
	for _, r := range text {
		switch r {
		case '<', '[':
			depth++
		case '>', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return removeJSONComments(text[start : i+1]), nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}

// removeJSONComments strips // and /* */ comments some models add despite
// being told to reply with bare JSON.
func removeJSONComments(jsonStr string) string {
	var result strings.Builder
	inStr := false
	esc := false
	i := 0
	for i < len(jsonStr) {
		ch := jsonStr[i]
		if esc {
			result.WriteByte(ch)
			esc = false
			i++
			continue
		}
		if ch == '\\' && inStr {
			result.WriteByte(ch)
			esc = true
			i++
			continue
		}
		if ch == '"' {
			inStr = !inStr
			result.WriteByte(ch)
			i++
			continue
		}
		if !inStr {
			if i < len(jsonStr)-1 && jsonStr[i] == '/' && jsonStr[i+1] == '/' {
				for i < len(jsonStr) && jsonStr[i] != '\n' {
					i++
				}
				continue
			}
			if i < len(jsonStr)-1 && jsonStr[i] == '/' && jsonStr[i+1] == '*' {
				i += 2
				for i < len(jsonStr)-1 {
					if jsonStr[i] == '*' && jsonStr[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}
		result.WriteByte(ch)
		i++
	}
	return result.String()
}

func toLLMTools(ts []tools.Tool) []llm.Tool {
	res := make([]llm.Tool, 0, len(ts))
	for _, t := range ts {
		res = append(res, llm.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return res
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// formatHistory renders History back into the step transcript the system
// prompt describes.
func formatHistory(history []HistoryItem) string {
	if len(history) == 0 {
		return "(no steps yet)"
	}
	var parts []string
	for i, item := range history {
		stepNum := i + 1
		var content []string
		if item.EvaluationPreviousGoal != "" {
			content = append(content, "Evaluation of Previous Step: "+item.EvaluationPreviousGoal)
		}
		if item.Memory != "" {
			content = append(content, "Memory: "+item.Memory)
		}
		if item.NextGoal != "" {
			content = append(content, "Next Goal: "+item.NextGoal)
		}
		content = append(content, fmt.Sprintf("Action Results: %s -> %s", item.Action, item.Result))
		parts = append(parts, fmt.Sprintf("<step_%d>:\n%s\n</step_%d>", stepNum, strings.Join(content, "\n"), stepNum))
	}
	return strings.Join(parts, "\n\n")
}

// screenshotB64 base64-encodes a raw screenshot for State.ScreenshotB64;
// the loop's observe step is its caller.
func screenshotB64(shot []byte) string {
	return base64.StdEncoding.EncodeToString(shot)
}
