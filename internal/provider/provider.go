// Package provider normalizes third-party image-generation APIs behind a
// two-verb contract: Submit starts an upstream job and returns the
// provider's job id, Poll reports the job's canonical state.
//
// Each upstream service speaks its own dialect (prediction objects,
// queue status documents, nested result payloads). Adapters translate
// those into a PollResult so the generation orchestrator never sees
// provider-specific shapes.
package provider

import (
	"context"
	"fmt"
)

// State is the canonical three-way job status reported by Poll.
type State string

const (
	StateInProgress State = "in-progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Image is one source image passed to a provider. Data is either a data URI,
// raw base64, or an http(s) URL that the provider can fetch directly.
type Image struct {
	Role string
	Data string
}

// Input is the provider-agnostic submission payload.
type Input struct {
	Images []Image
	Prompt string
	// Params carries optional provider tuning parameters, merged into the
	// upstream request as-is.
	Params map[string]any
}

// Image returns the data for the image with the given role.
func (in Input) Image(role string) (string, bool) {
	for _, img := range in.Images {
		if img.Role == role {
			return img.Data, img.Data != ""
		}
	}
	return "", false
}

// PollResult is the canonical outcome of one Poll call.
type PollResult struct {
	State State
	// Processing is true when the provider explicitly reports that the job is
	// running rather than queued or starting.
	Processing bool
	// Output is the provider's raw output reference (string, array, or
	// object). Only meaningful when State is StateSucceeded.
	Output any
	// Error is the provider-supplied failure reason, if any.
	Error string
}

// Adapter is implemented by every provider integration.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, in Input) (string, error)
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// SubmissionError reports that the upstream rejected a new job. StatusCode
// and Message are the upstream values, kept verbatim for diagnostics.
type SubmissionError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s submission failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s submission failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s submission failed: %s", e.Provider, e.Message)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError reports that checking a job's status failed at the transport or
// HTTP level, including the wrapped wait loop timing out. It is not a job
// failure: the job may still complete and a later poll can succeed.
type PollError struct {
	Provider   string
	ExternalID string
	StatusCode int
	Err        error
}

func (e *PollError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s poll %s: status %d: %v", e.Provider, e.ExternalID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s poll %s: %v", e.Provider, e.ExternalID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
