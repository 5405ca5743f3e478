package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/imagedata"
)

// Image roles understood by the try-on adapter.
const (
	RoleModel    = "model"
	RoleClothing = "clothing"
)

const (
	// DefaultTryOnBaseURL is the prediction API base URL.
	DefaultTryOnBaseURL = "https://api.replicate.com/v1"

	tryOnName           = "try-on"
	defaultTryOnTimeout = 60 * time.Second
)

// TryOnConfig configures the try-on prediction adapter.
type TryOnConfig struct {
	BaseURL  string
	APIToken string
	// ModelVersion is the prediction model version hash.
	ModelVersion string
	HTTPClient   *http.Client
}

// TryOn submits a person image, a garment image and a description to a
// prediction-style API. Each Poll is a single GET of the prediction.
type TryOn struct {
	httpClient   *http.Client
	baseURL      string
	apiToken     string
	modelVersion string
}

var _ Adapter = (*TryOn)(nil)

// NewTryOn creates the try-on adapter.
func NewTryOn(cfg TryOnConfig) *TryOn {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTryOnTimeout}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultTryOnBaseURL
	}
	return &TryOn{
		httpClient:   client,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiToken:     cfg.APIToken,
		modelVersion: cfg.ModelVersion,
	}
}

// --- Prediction API request/response types ---

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"` // starting, processing, succeeded, failed, canceled
	Output any    `json:"output"`
	Error  any    `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (p *TryOn) Name() string { return tryOnName }

// Submit creates a prediction and returns its id.
func (p *TryOn) Submit(ctx context.Context, in Input) (string, error) {
	human, ok := in.Image(RoleModel)
	if !ok {
		return "", &SubmissionError{Provider: tryOnName, Message: "model image is required"}
	}
	garment, ok := in.Image(RoleClothing)
	if !ok {
		return "", &SubmissionError{Provider: tryOnName, Message: "clothing image is required"}
	}

	humanURI, err := imagedata.ToDataURI(human)
	if err != nil {
		return "", &SubmissionError{Provider: tryOnName, Message: "invalid model image", Err: err}
	}
	garmentURI, err := imagedata.ToDataURI(garment)
	if err != nil {
		return "", &SubmissionError{Provider: tryOnName, Message: "invalid clothing image", Err: err}
	}

	input := map[string]any{}
	for k, v := range in.Params {
		input[k] = v
	}
	input["human_img"] = humanURI
	input["garm_img"] = garmentURI
	input["garment_des"] = in.Prompt

	body, err := json.Marshal(predictionRequest{Version: p.modelVersion, Input: input})
	if err != nil {
		return "", &SubmissionError{Provider: tryOnName, Message: "marshal request", Err: err}
	}

	log.Debug().
		Str("provider", tryOnName).
		Int("promptLength", len(in.Prompt)).
		Int("bodyBytes", len(body)).
		Msg("Submitting try-on prediction")

	status, respBody, err := p.do(ctx, http.MethodPost, p.baseURL+"/predictions", body)
	if err != nil {
		return "", &SubmissionError{Provider: tryOnName, Message: err.Error(), Err: err}
	}
	if status < 200 || status > 299 {
		log.Error().
			Int("status", status).
			Str("body", truncate(string(respBody), 500)).
			Msg("Try-on provider rejected prediction")
		return "", &SubmissionError{Provider: tryOnName, StatusCode: status, Message: upstreamMessage(respBody)}
	}

	var pred prediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return "", &SubmissionError{Provider: tryOnName, StatusCode: status, Message: "parse response", Err: err}
	}
	if pred.ID == "" {
		return "", &SubmissionError{Provider: tryOnName, StatusCode: status, Message: "no prediction id returned: " + truncate(string(respBody), 200)}
	}

	log.Info().Str("provider", tryOnName).Str("externalId", pred.ID).Str("status", pred.Status).Msg("Try-on prediction created")
	return pred.ID, nil
}

// Poll fetches the prediction once and maps its status.
func (p *TryOn) Poll(ctx context.Context, externalID string) (PollResult, error) {
	status, respBody, err := p.do(ctx, http.MethodGet, p.baseURL+"/predictions/"+externalID, nil)
	if err != nil {
		return PollResult{}, &PollError{Provider: tryOnName, ExternalID: externalID, Err: err}
	}
	if status < 200 || status > 299 {
		return PollResult{}, &PollError{
			Provider:   tryOnName,
			ExternalID: externalID,
			StatusCode: status,
			Err:        fmt.Errorf("%s", upstreamMessage(respBody)),
		}
	}

	var pred prediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return PollResult{}, &PollError{Provider: tryOnName, ExternalID: externalID, Err: fmt.Errorf("parse response: %w", err)}
	}

	log.Debug().Str("provider", tryOnName).Str("externalId", externalID).Str("status", pred.Status).Msg("Try-on prediction polled")
	return mapPrediction(pred), nil
}

func mapPrediction(pred prediction) PollResult {
	switch pred.Status {
	case "succeeded":
		return PollResult{State: StateSucceeded, Output: pred.Output}
	case "failed", "canceled":
		reason := errorText(pred.Error)
		if reason == "" && pred.Status == "canceled" {
			reason = "Prediction was canceled"
		}
		return PollResult{State: StateFailed, Error: reason}
	case "processing":
		return PollResult{State: StateInProgress, Processing: true}
	default:
		// starting, queued, or a status this adapter does not know yet.
		return PollResult{State: StateInProgress}
	}
}

func (p *TryOn) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiToken)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	log.Debug().
		Str("method", method).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Try-on provider response")
	return resp.StatusCode, respBody, nil
}

// upstreamMessage extracts a human-readable message from an error body,
// falling back to the raw (truncated) body.
func upstreamMessage(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, key := range []string{"detail", "error", "message", "title"} {
			if msg := errorText(doc[key]); msg != "" {
				return msg
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return truncate(msg, 500)
}

// errorText renders a provider error field, which may be a string, an
// object with a message, or absent.
func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(e)
	case map[string]any:
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := e[key].(string); ok && s != "" {
				return s
			}
		}
		b, _ := json.Marshal(e)
		return string(b)
	default:
		return fmt.Sprintf("%v", e)
	}
}
