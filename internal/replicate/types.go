package replicate

import (
	"encoding/json"
	"fmt"
)

// Prediction statuses reported by Replicate.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// DefaultModelVersion pins Stable Diffusion XL (stability-ai/sdxl).
const DefaultModelVersion = "39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b"

// CreateRequest is the body of a prediction creation call.
type CreateRequest struct {
	Version string `json:"version"`
	Input   Input  `json:"input"`
}

// Input holds model inputs. Only the prompt is sent.
type Input struct {
	Prompt string `json:"prompt"`
}

// Prediction is a snapshot of a Replicate job.
// Raw holds the response body the snapshot was decoded from so callers can
// relay it unchanged.
type Prediction struct {
	ID          string          `json:"id"`
	Version     string          `json:"version,omitempty"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      Output          `json:"output,omitempty"`
	Error       any             `json:"error,omitempty"`
	Logs        string          `json:"logs,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	URLs        *URLs           `json:"urls,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// URLs are the API links Replicate attaches to a prediction.
type URLs struct {
	Get    string `json:"get,omitempty"`
	Cancel string `json:"cancel,omitempty"`
}

// IsTerminal reports whether no further status changes will occur.
func (p *Prediction) IsTerminal() bool {
	return IsTerminal(p.Status)
}

// IsTerminal reports whether status is "succeeded" or "failed".
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// ErrorMessage returns the error carried by the prediction, or "" if none.
func (p *Prediction) ErrorMessage() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Sprintf("%v", e)
		}
		return string(b)
	}
}

// LastOutput returns the most recent output locator, or "" when there is none.
func (p *Prediction) LastOutput() string {
	if p == nil || len(p.Output) == 0 {
		return ""
	}
	return p.Output[len(p.Output)-1]
}

// Output is the ordered list of output URLs. Some models return a single
// string instead of a list; both decode into Output.
type Output []string

func (o *Output) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*o = Output{single}
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decoding output: %w", err)
	}
	out := make(Output, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	*o = out
	return nil
}
