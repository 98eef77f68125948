package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infinityai/imagine/internal/replicate"
)

// --- fakes ---

type fakeBackend struct {
	mu       sync.Mutex
	prompts  []string
	getCalls int
	createFn func(ctx context.Context, prompt string) (*replicate.Prediction, error)
	getFn    func(ctx context.Context, id string, call int) (*replicate.Prediction, error)
}

func (f *fakeBackend) Create(ctx context.Context, prompt string) (*replicate.Prediction, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, prompt)
	}
	return &replicate.Prediction{ID: "abc", Status: replicate.StatusStarting}, nil
}

func (f *fakeBackend) Get(ctx context.Context, id string) (*replicate.Prediction, error) {
	f.mu.Lock()
	f.getCalls++
	call := f.getCalls
	f.mu.Unlock()
	return f.getFn(ctx, id, call)
}

func (f *fakeBackend) calls() (creates, gets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts), f.getCalls
}

// statusSequence returns a getFn that walks through statuses, repeating the last.
func statusSequence(statuses ...string) func(context.Context, string, int) (*replicate.Prediction, error) {
	return func(_ context.Context, id string, call int) (*replicate.Prediction, error) {
		i := call - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		return &replicate.Prediction{ID: id, Status: statuses[i]}, nil
	}
}

type fakeTranslator struct {
	out string
	err error
}

func (f fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	return f.out, f.err
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) Render(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshots() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var fastPolicy = PollPolicy{Interval: time.Millisecond, Multiplier: 1}

func waitDone(t *testing.T, c *Controller) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return st
}

// --- tests ---

func TestSubmit_TranslatesThenSubmits(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusSucceeded)}
	c := NewController(be, WithPollPolicy(fastPolicy), WithTranslator(fakeTranslator{out: "a cat on the moon"}))

	c.Submit(context.Background(), "လပေါ်ကကြောင်")
	st := waitDone(t, c)

	if st.Phase != PhaseSucceeded {
		t.Fatalf("Phase = %s, want succeeded (error %q)", st.Phase, st.Error)
	}
	if st.TranslatedPrompt != "a cat on the moon" {
		t.Errorf("TranslatedPrompt = %q", st.TranslatedPrompt)
	}
	if len(be.prompts) != 1 || be.prompts[0] != "a cat on the moon" {
		t.Errorf("submitted prompts = %v", be.prompts)
	}
}

func TestSubmit_TranslationFailureSkipsSubmission(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusSucceeded)}
	c := NewController(be, WithPollPolicy(fastPolicy), WithTranslator(fakeTranslator{err: errors.New("malformed response")}))

	c.Submit(context.Background(), "hello")
	st := waitDone(t, c)

	if st.Phase != PhaseError {
		t.Fatalf("Phase = %s, want error", st.Phase)
	}
	if !strings.Contains(st.Error, "translation failed") {
		t.Errorf("Error = %q", st.Error)
	}
	if creates, gets := be.calls(); creates != 0 || gets != 0 {
		t.Errorf("backend calls = %d creates, %d gets; want none", creates, gets)
	}
}

func TestSubmit_EmptyPrompt(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusSucceeded)}
	c := NewController(be, WithPollPolicy(fastPolicy))

	c.Submit(context.Background(), "   ")
	st := waitDone(t, c)

	if st.Phase != PhaseError {
		t.Fatalf("Phase = %s, want error", st.Phase)
	}
	if creates, _ := be.calls(); creates != 0 {
		t.Errorf("Create called %d times", creates)
	}
}

func TestPoll_TerminalStatusEndsLoop(t *testing.T) {
	for _, status := range []string{replicate.StatusSucceeded, replicate.StatusFailed} {
		t.Run(status, func(t *testing.T) {
			be := &fakeBackend{getFn: statusSequence(status)}
			c := NewController(be, WithPollPolicy(fastPolicy))

			c.Submit(context.Background(), "a cat")
			st := waitDone(t, c)

			if string(st.Phase) != status {
				t.Errorf("Phase = %s, want %s", st.Phase, status)
			}
			if _, gets := be.calls(); gets != 1 {
				t.Errorf("Get called %d times, want 1", gets)
			}
		})
	}
}

func TestPoll_NonTerminalStatusesFetchAgain(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(
		replicate.StatusStarting,
		replicate.StatusProcessing,
		replicate.StatusCanceled,
		replicate.StatusSucceeded,
	)}
	c := NewController(be, WithPollPolicy(fastPolicy))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseSucceeded {
		t.Fatalf("Phase = %s", st.Phase)
	}
	if _, gets := be.calls(); gets != 4 {
		t.Errorf("Get called %d times, want 4", gets)
	}
	if st.Polls != 4 {
		t.Errorf("Polls = %d, want 4", st.Polls)
	}
}

func TestPoll_FailedCarriesError(t *testing.T) {
	be := &fakeBackend{getFn: func(_ context.Context, id string, _ int) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: id, Status: replicate.StatusFailed, Error: "CUDA out of memory"}, nil
	}}
	c := NewController(be, WithPollPolicy(fastPolicy))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseFailed || st.Error != "CUDA out of memory" {
		t.Errorf("state = %s / %q", st.Phase, st.Error)
	}
}

func TestSubmit_CreatedSnapshotRenderedBeforePoll(t *testing.T) {
	release := make(chan struct{})
	be := &fakeBackend{getFn: func(_ context.Context, id string, _ int) (*replicate.Prediction, error) {
		<-release
		return &replicate.Prediction{ID: id, Status: replicate.StatusSucceeded}, nil
	}}
	rec := &recorder{}
	c := NewController(be, WithPollPolicy(fastPolicy), WithRenderer(rec))

	c.Submit(context.Background(), "a cat")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st := c.State(); st.Status() == replicate.StatusStarting {
			if st.Phase != PhasePolling || st.Prediction.ID != "abc" {
				t.Errorf("state before poll = %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("created snapshot never rendered")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	waitDone(t, c)

	var sawCreated bool
	for _, s := range rec.snapshots() {
		if s.Status() == replicate.StatusStarting && s.Polls == 0 {
			sawCreated = true
		}
		if s.Polls > 0 && !sawCreated {
			t.Fatal("poll result rendered before created snapshot")
		}
	}
	if !sawCreated {
		t.Error("created snapshot not rendered")
	}
}

func TestPoll_RemoteErrorEndsLoopWithDetail(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"abc","status":"starting"}`)
			return
		}
		gets.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail":"upstream exploded"}`)
	}))
	t.Cleanup(srv.Close)

	c := NewController(NewHTTPBackend(srv.URL, ""), WithPollPolicy(fastPolicy))
	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseError || st.Error != "upstream exploded" {
		t.Errorf("state = %s / %q", st.Phase, st.Error)
	}
	time.Sleep(20 * time.Millisecond)
	if n := gets.Load(); n != 1 {
		t.Errorf("GET called %d times, want 1", n)
	}
}

func TestSubmit_CreateError(t *testing.T) {
	be := &fakeBackend{
		createFn: func(context.Context, string) (*replicate.Prediction, error) {
			return nil, &RemoteError{StatusCode: 500, Detail: "the Replicate API token is not set"}
		},
		getFn: statusSequence(replicate.StatusSucceeded),
	}
	c := NewController(be, WithPollPolicy(fastPolicy))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseError || st.Error != "the Replicate API token is not set" {
		t.Errorf("state = %s / %q", st.Phase, st.Error)
	}
	if _, gets := be.calls(); gets != 0 {
		t.Errorf("Get called %d times after failed create", gets)
	}
}

func TestImageURL_IsLastOutput(t *testing.T) {
	be := &fakeBackend{getFn: func(_ context.Context, id string, _ int) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: id, Status: replicate.StatusSucceeded, Output: replicate.Output{"urlA", "urlB"}}, nil
	}}
	c := NewController(be, WithPollPolicy(fastPolicy))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.ImageURL() != "urlB" {
		t.Errorf("ImageURL() = %q, want urlB", st.ImageURL())
	}
}

func TestSubmit_SupersedesPreviousSubmission(t *testing.T) {
	firstRelease := make(chan struct{})
	be := &fakeBackend{
		createFn: func(ctx context.Context, prompt string) (*replicate.Prediction, error) {
			if prompt == "first" {
				<-firstRelease
				return &replicate.Prediction{ID: "first-id", Status: replicate.StatusSucceeded, Output: replicate.Output{"first.png"}}, nil
			}
			return &replicate.Prediction{ID: "second-id", Status: replicate.StatusStarting}, nil
		},
		getFn: statusSequence(replicate.StatusProcessing, replicate.StatusSucceeded),
	}
	rec := &recorder{}
	c := NewController(be,
		WithPollPolicy(fastPolicy),
		WithRenderer(rec),
		WithTranslator(translatorFunc(func(s string) string { return s })),
	)

	firstID := c.Submit(context.Background(), "first")
	for c.State().Phase != PhaseSubmitting {
		time.Sleep(time.Millisecond)
	}
	secondID := c.Submit(context.Background(), "second")

	close(firstRelease)
	waitDone(t, c)
	// Let the first loop deliver its late response.
	time.Sleep(20 * time.Millisecond)

	st := c.State()
	if st.SubmissionID != secondID || st.Prediction == nil || st.Prediction.ID != "second-id" {
		t.Fatalf("final state = %+v", st)
	}
	if st.Phase != PhaseSucceeded || st.TranslatedPrompt != "second" {
		t.Errorf("final state = %+v", st)
	}
	if st.ImageURL() == "first.png" {
		t.Error("late response of superseded submission was applied")
	}

	secondStarted := false
	for _, s := range rec.snapshots() {
		if s.SubmissionID == secondID {
			if !secondStarted {
				// The first snapshot of a submission is the reset state.
				if s.Phase != PhaseIdle || s.Prediction != nil || s.Error != "" || s.TranslatedPrompt != "" {
					t.Errorf("state not reset on resubmit: %+v", s)
				}
			}
			secondStarted = true
			continue
		}
		if secondStarted && s.SubmissionID == firstID {
			t.Errorf("rendered snapshot of superseded submission: %+v", s)
		}
	}
}

type translatorFunc func(string) string

func (f translatorFunc) Translate(_ context.Context, text string) (string, error) {
	return f(text), nil
}

func TestPoll_MaxPolls(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusProcessing)}
	c := NewController(be, WithPollPolicy(PollPolicy{Interval: time.Millisecond, MaxPolls: 3}))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseError || !strings.Contains(st.Error, "3 status checks") {
		t.Errorf("state = %s / %q", st.Phase, st.Error)
	}
	if _, gets := be.calls(); gets != 3 {
		t.Errorf("Get called %d times, want 3", gets)
	}
}

func TestPoll_MaxPollsGivesUpWithoutExtraWait(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusProcessing)}
	c := NewController(be, WithPollPolicy(PollPolicy{Interval: 200 * time.Millisecond, Multiplier: 1, MaxPolls: 2}))

	start := time.Now()
	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)
	elapsed := time.Since(start)

	if st.Phase != PhaseError || st.Polls != 2 {
		t.Errorf("state = %s, polls = %d", st.Phase, st.Polls)
	}
	// Two fetches need two intervals; a third wait would push this past 600ms.
	if elapsed >= 550*time.Millisecond {
		t.Errorf("gave up after %s, want no wait after the last fetch", elapsed)
	}
}

func TestPoll_Timeout(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusProcessing)}
	c := NewController(be, WithPollPolicy(PollPolicy{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}))

	c.Submit(context.Background(), "a cat")
	st := waitDone(t, c)

	if st.Phase != PhaseError || !strings.Contains(st.Error, "timed out") {
		t.Errorf("state = %s / %q", st.Phase, st.Error)
	}
}

func TestStop(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusProcessing)}
	c := NewController(be, WithPollPolicy(PollPolicy{Interval: time.Millisecond}))

	c.Submit(context.Background(), "a cat")
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	st := c.State()
	if st.Phase != PhaseError || !strings.Contains(st.Error, "canceled") {
		t.Errorf("state after Stop = %s / %q", st.Phase, st.Error)
	}
}

func TestPollPolicy_Next(t *testing.T) {
	p := PollPolicy{Interval: time.Second, Multiplier: 2, MaxInterval: 5 * time.Second}.normalized()

	got := []time.Duration{p.Interval}
	for i := 0; i < 4; i++ {
		got = append(got, p.next(got[len(got)-1]))
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	fixed := PollPolicy{}.normalized()
	if fixed.Interval != time.Second || fixed.next(time.Second) != time.Second {
		t.Errorf("zero policy = %+v", fixed)
	}
}

func TestOptions_NilRendererAndZeroPolicy(t *testing.T) {
	c := NewController(&fakeBackend{getFn: statusSequence(replicate.StatusSucceeded)},
		WithRenderer(nil), WithPollPolicy(PollPolicy{}))

	if _, ok := c.renderer.(nopRenderer); !ok {
		t.Errorf("renderer = %T, want nopRenderer", c.renderer)
	}
	if c.policy.Interval != time.Second || c.policy.Multiplier != 1 {
		t.Errorf("policy = %+v, want one second interval and multiplier 1", c.policy)
	}
}

func TestDownload_WritesLastOutput(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG-bytes"))
	}))
	t.Cleanup(srv.Close)

	be := &fakeBackend{getFn: func(_ context.Context, id string, _ int) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: id, Status: replicate.StatusSucceeded, Output: replicate.Output{srv.URL + "/urlA.png", srv.URL + "/urlB.png"}}, nil
	}}
	c := NewController(be, WithPollPolicy(fastPolicy), WithDownloader(NewHTTPBackend("", "")))
	c.Submit(context.Background(), "a cat")
	waitDone(t, c)

	dir := filepath.Join(t.TempDir(), "out")
	path, err := c.Download(context.Background(), dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gotPath != "/urlB.png" {
		t.Errorf("downloaded %q, want /urlB.png", gotPath)
	}
	if path != filepath.Join(dir, "output.png") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "\x89PNG-bytes" {
		t.Errorf("file content = %q", data)
	}
}

func TestDownload_Errors(t *testing.T) {
	be := &fakeBackend{getFn: statusSequence(replicate.StatusSucceeded)}
	c := NewController(be, WithPollPolicy(fastPolicy), WithDownloader(NewHTTPBackend("", "")))

	if _, err := c.Download(context.Background(), t.TempDir()); !errors.Is(err, ErrNoImage) {
		t.Errorf("err = %v, want ErrNoImage", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	be.getFn = func(_ context.Context, id string, _ int) (*replicate.Prediction, error) {
		return &replicate.Prediction{ID: id, Status: replicate.StatusSucceeded, Output: replicate.Output{srv.URL + "/x.png"}}, nil
	}
	c.Submit(context.Background(), "a cat")
	waitDone(t, c)

	dir := t.TempDir()
	if _, err := c.Download(context.Background(), dir); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := os.Stat(filepath.Join(dir, "output.png")); !os.IsNotExist(err) {
		t.Errorf("output.png written despite failure (stat err %v)", err)
	}
}
