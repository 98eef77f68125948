// Package session drives one prompt at a time through translation,
// submission and polling, and reports every state change to a Renderer.
package session

import "github.com/infinityai/imagine/internal/replicate"

// Phase is the position of a submission in its lifecycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseTranslating Phase = "translating"
	PhaseSubmitting  Phase = "submitting"
	PhasePolling     Phase = "polling"
	PhaseSucceeded   Phase = "succeeded"
	PhaseFailed      Phase = "failed"
	PhaseError       Phase = "error"
)

// Done reports whether no further updates will follow for the submission.
func (p Phase) Done() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseError
}

// State is a snapshot of the active submission.
type State struct {
	SubmissionID     string
	Phase            Phase
	Prompt           string
	TranslatedPrompt string
	// Prediction is the latest descriptor seen; nil before submission.
	Prediction *replicate.Prediction
	// Error is the user-visible message for PhaseError, and the service's
	// error (possibly empty) for PhaseFailed.
	Error string
	// Polls counts status fetches made so far.
	Polls int
}

// Status returns the prediction status, or "" before submission.
func (s State) Status() string {
	if s.Prediction == nil {
		return ""
	}
	return s.Prediction.Status
}

// ImageURL returns the last output locator, or "".
func (s State) ImageURL() string {
	return s.Prediction.LastOutput()
}

// Renderer receives every state snapshot in order. It is called with the
// controller's lock held and must not call back into the Controller.
type Renderer interface {
	Render(State)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(State)

func (f RendererFunc) Render(s State) { f(s) }

type nopRenderer struct{}

func (nopRenderer) Render(State) {}
