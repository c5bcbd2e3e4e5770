// Package metrics exposes the engine's Prometheus gauges and counters:
// active sessions, steps dispatched, CAPTCHA detect/solve outcomes, and
// replay completions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nikstep/browseragent/internal/eventsink"
	"github.com/nikstep/browseragent/internal/model"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browser_agent",
		Name:      "active_sessions",
		Help:      "Number of currently connected, authenticated sessions.",
	})

	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browser_agent",
		Name:      "steps_total",
		Help:      "Decision Loop and Replay Engine steps completed.",
	})

	CaptchaDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browser_agent",
		Name:      "captcha_detected_total",
		Help:      "CAPTCHA challenges detected during a precheck.",
	})

	CaptchaSolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browser_agent",
		Name:      "captcha_solved_total",
		Help:      "CAPTCHA challenges the Handler solved.",
	})

	ReplayCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_agent",
		Name:      "replay_completions_total",
		Help:      "Replay Engine runs that reached a terminal status, by status.",
	}, []string{"status"})
)

// Sink decorates another eventsink.Sink with the package-level counters
// above, so the Session Supervisor's websocket bridge and the metrics
// registry observe the same stream without the Decision Loop or Replay
// Engine knowing metrics exist.
type Sink struct {
	Next eventsink.Sink
}

func (s Sink) StepStarted(step model.Step) {
	if s.Next != nil {
		s.Next.StepStarted(step)
	}
}

func (s Sink) StepCompleted(number int) {
	StepsTotal.Inc()
	if s.Next != nil {
		s.Next.StepCompleted(number)
	}
}

func (s Sink) CaptchaDetected() {
	CaptchaDetectedTotal.Inc()
	if s.Next != nil {
		s.Next.CaptchaDetected()
	}
}

func (s Sink) CaptchaSolved() {
	CaptchaSolvedTotal.Inc()
	if s.Next != nil {
		s.Next.CaptchaSolved()
	}
}

// RecordReplayCompletion tallies a finished replay by its terminal status.
func RecordReplayCompletion(status model.RunStatus) {
	ReplayCompletionsTotal.WithLabelValues(string(status)).Inc()
}
