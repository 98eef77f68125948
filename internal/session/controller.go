package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infinityai/imagine/internal/replicate"
)

// Backend creates and reads predictions.
type Backend interface {
	Create(ctx context.Context, prompt string) (*replicate.Prediction, error)
	Get(ctx context.Context, id string) (*replicate.Prediction, error)
}

// Translator converts a prompt before submission.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Downloader fetches an output resource.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithTranslator translates every prompt before submission. A translation
// failure ends the submission without contacting the backend.
func WithTranslator(t Translator) Option {
	return func(c *Controller) { c.translator = t }
}

// WithRenderer sets the Renderer that receives every state change. A nil
// Renderer is ignored.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) {
		if r != nil {
			c.renderer = r
		}
	}
}

// WithPollPolicy replaces DefaultPollPolicy. Zero or invalid fields are
// normalized: the interval defaults to one second and the multiplier to 1.
func WithPollPolicy(p PollPolicy) Option {
	return func(c *Controller) { c.policy = p.normalized() }
}

// WithDownloader sets the source used by Download. Without it, the backend
// is used if it implements Downloader.
func WithDownloader(d Downloader) Option {
	return func(c *Controller) { c.downloader = d }
}

// Controller owns the state of the active submission. Submit supersedes any
// earlier submission; updates belonging to a superseded submission are
// dropped.
type Controller struct {
	backend    Backend
	translator Translator
	renderer   Renderer
	downloader Downloader
	policy     PollPolicy
	logger     *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates an idle Controller.
func NewController(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:  backend,
		renderer: nopRenderer{},
		policy:   DefaultPollPolicy(),
		logger:   slog.Default(),
		state:    State{Phase: PhaseIdle},
	}
	for _, o := range opts {
		o(c)
	}
	if c.downloader == nil {
		if d, ok := backend.(Downloader); ok {
			c.downloader = d
		}
	}
	return c
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit starts a new submission for prompt and returns its ID. The previous
// submission, if any, is cancelled and its state discarded. The loop runs
// until it reaches a final phase or ctx is cancelled.
func (c *Controller) Submit(ctx context.Context, prompt string) string {
	id := uuid.New().String()
	var runCtx context.Context
	var cancel context.CancelFunc
	if c.policy.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.done = done
	c.state = State{SubmissionID: id, Phase: PhaseIdle, Prompt: prompt}
	c.renderer.Render(c.state)
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		c.run(runCtx, id, prompt)
	}()
	return id
}

// Wait blocks until the active submission finishes or ctx is done, and
// returns the latest snapshot.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.State(), ctx.Err()
		}
	}
	return c.State(), nil
}

// Stop cancels the active submission, if any, and waits for its loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// update applies fn to the state if id is still the active submission and
// renders the result. It reports whether the update was applied.
func (c *Controller) update(id string, fn func(*State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SubmissionID != id {
		return false
	}
	fn(&c.state)
	c.renderer.Render(c.state)
	return true
}

func (c *Controller) fail(id, msg string) {
	if c.update(id, func(s *State) {
		s.Phase = PhaseError
		s.Error = msg
	}) {
		c.logger.Debug("submission ended with error", "submission_id", id, "error", msg)
	}
}

func (c *Controller) run(ctx context.Context, id, prompt string) {
	if strings.TrimSpace(prompt) == "" {
		c.fail(id, "prompt is empty")
		return
	}

	submitted := prompt
	if c.translator != nil {
		c.update(id, func(s *State) { s.Phase = PhaseTranslating })
		translated, err := c.translator.Translate(ctx, prompt)
		if err != nil {
			c.fail(id, c.describe(ctx, "translation failed", err))
			return
		}
		submitted = translated
		c.update(id, func(s *State) { s.TranslatedPrompt = translated })
	}

	c.update(id, func(s *State) { s.Phase = PhaseSubmitting })
	p, err := c.backend.Create(ctx, submitted)
	if err != nil {
		c.fail(id, c.describe(ctx, "submission failed", err))
		return
	}
	if !c.update(id, func(s *State) { applySnapshot(s, p) }) || p.IsTerminal() {
		return
	}

	c.poll(ctx, id, p.ID)
}

func (c *Controller) poll(ctx context.Context, id, predictionID string) {
	wait := c.policy.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for polls := 0; ; {
		select {
		case <-ctx.Done():
			c.fail(id, c.describe(ctx, "polling stopped", ctx.Err()))
			return
		case <-timer.C:
		}

		p, err := c.backend.Get(ctx, predictionID)
		if err != nil {
			c.fail(id, c.describe(ctx, "status check failed", err))
			return
		}
		polls++
		applied := c.update(id, func(s *State) {
			s.Polls = polls
			applySnapshot(s, p)
		})
		if !applied || p.IsTerminal() {
			return
		}
		if c.policy.MaxPolls > 0 && polls >= c.policy.MaxPolls {
			c.fail(id, fmt.Sprintf("gave up after %d status checks", polls))
			return
		}

		wait = c.policy.next(wait)
		timer.Reset(wait)
	}
}

// applySnapshot stores p and derives the phase from its status.
func applySnapshot(s *State, p *replicate.Prediction) {
	s.Prediction = p
	switch p.Status {
	case replicate.StatusSucceeded:
		s.Phase = PhaseSucceeded
	case replicate.StatusFailed:
		s.Phase = PhaseFailed
		s.Error = p.ErrorMessage()
	default:
		s.Phase = PhasePolling
	}
}

// describe turns err into a user-visible message. Remote errors are reported
// by their detail alone.
func (c *Controller) describe(ctx context.Context, what string, err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Detail
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("%s: timed out after %s", what, c.policy.Timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return what + ": canceled"
	case strings.HasPrefix(err.Error(), what):
		return err.Error()
	default:
		return fmt.Sprintf("%s: %v", what, err)
	}
}
