// Package eventsink defines the event interface the Decision Loop and
// Replay Engine emit through and the Session Supervisor owns, per the
// "event-emitter style step updates" redesign note: a sink passed in by
// construction rather than a global callback registry.
package eventsink

import "github.com/nikstep/browseragent/internal/model"

// Sink receives step and CAPTCHA lifecycle events from a running Decision
// Loop or Replay Engine. The Supervisor's implementation maps StepStarted to
// a live session's step_update wire message or a replay session's
// step_started message, and StepCompleted to a replay session's
// step_completed message.
type Sink interface {
	StepStarted(step model.Step)
	StepCompleted(number int)
	CaptchaDetected()
	CaptchaSolved()
}

// Nop discards every event. Used by standalone CLI runs and tests that have
// no streaming client attached.
type Nop struct{}

func (Nop) StepStarted(model.Step) {}
func (Nop) StepCompleted(int)      {}
func (Nop) CaptchaDetected()       {}
func (Nop) CaptchaSolved()         {}
