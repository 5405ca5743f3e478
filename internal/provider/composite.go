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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/imagedata"
)

// Image roles understood by the composite adapter.
const (
	RoleFigure = "figure"
	RoleScene  = "scene"
)

const (
	// DefaultCompositeBaseURL is the queue API base URL.
	DefaultCompositeBaseURL = "https://queue.fal.run"

	compositeName           = "composite"
	defaultCompositeTimeout = 60 * time.Second

	// Wrapped wait loop settings.
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 10 * time.Minute

	// defaultIngestTimeout bounds how long Submit keeps staged inputs alive
	// while waiting for the provider to pick the job up.
	defaultIngestTimeout = 30 * time.Second

	stagingPrefix   = "tmp/"
	stagingURLTTL   = time.Hour
	cleanupDeadline = 10 * time.Second
)

// Stager stores inline source images temporarily so the provider can fetch
// them by URL. s3util.Store satisfies it.
type Stager interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// CompositeConfig configures the composite queue adapter.
type CompositeConfig struct {
	BaseURL string
	APIKey  string
	// Model is the queue application path, e.g. "fal-ai/scene-composite".
	Model string

	Stager        Stager
	StagingBucket string

	// Wait enables the wrapped polling loop: Poll only returns once the job
	// resolves, fails, or WaitTimeout elapses.
	Wait          bool
	PollInterval  time.Duration
	WaitTimeout   time.Duration
	IngestTimeout time.Duration

	HTTPClient *http.Client
}

// Composite places a figure into a scene through a queue-style API. Inline
// images are staged in the artifact store for the duration of Submit.
type Composite struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	model         string
	stager        Stager
	stagingBucket string

	wait          bool
	pollInterval  time.Duration
	waitTimeout   time.Duration
	ingestTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

var _ Adapter = (*Composite)(nil)

// NewComposite creates the composite adapter.
func NewComposite(cfg CompositeConfig) *Composite {
	c := &Composite{
		httpClient:    cfg.HTTPClient,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         strings.Trim(cfg.Model, "/"),
		stager:        cfg.Stager,
		stagingBucket: cfg.StagingBucket,
		wait:          cfg.Wait,
		pollInterval:  cfg.PollInterval,
		waitTimeout:   cfg.WaitTimeout,
		ingestTimeout: cfg.IngestTimeout,
		sleep:         sleepCtx,
		now:           time.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultCompositeTimeout}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultCompositeBaseURL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.waitTimeout <= 0 {
		c.waitTimeout = DefaultWaitTimeout
	}
	if c.ingestTimeout == 0 {
		c.ingestTimeout = defaultIngestTimeout
	}
	return c
}

// --- Queue API request/response types ---

type queueSubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
}

type queueStatusResponse struct {
	Status string `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED, FAILED, ERROR
	Error  any    `json:"error,omitempty"`
}

func (c *Composite) Name() string { return compositeName }

// Submit stages the figure and scene images, enqueues the job, and removes
// the staged objects before returning, on success and failure alike.
func (c *Composite) Submit(ctx context.Context, in Input) (string, error) {
	figure, ok := in.Image(RoleFigure)
	if !ok {
		return "", &SubmissionError{Provider: compositeName, Message: "figure image is required"}
	}
	scene, ok := in.Image(RoleScene)
	if !ok {
		return "", &SubmissionError{Provider: compositeName, Message: "scene image is required"}
	}

	var staged []string
	defer func() { c.cleanup(ctx, staged) }()

	figureURL, err := c.stage(ctx, figure, &staged)
	if err != nil {
		return "", &SubmissionError{Provider: compositeName, Message: "stage figure image", Err: err}
	}
	sceneURL, err := c.stage(ctx, scene, &staged)
	if err != nil {
		return "", &SubmissionError{Provider: compositeName, Message: "stage scene image", Err: err}
	}

	payload := map[string]any{}
	for k, v := range in.Params {
		payload[k] = v
	}
	payload["figure_image_url"] = figureURL
	payload["scene_image_url"] = sceneURL
	payload["prompt"] = in.Prompt

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &SubmissionError{Provider: compositeName, Message: "marshal request", Err: err}
	}

	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+c.model, body)
	if err != nil {
		return "", &SubmissionError{Provider: compositeName, Message: err.Error(), Err: err}
	}
	if status < 200 || status > 299 {
		log.Error().
			Int("status", status).
			Str("body", truncate(string(respBody), 500)).
			Msg("Composite provider rejected request")
		return "", &SubmissionError{Provider: compositeName, StatusCode: status, Message: upstreamMessage(respBody)}
	}

	var sub queueSubmitResponse
	if err := json.Unmarshal(respBody, &sub); err != nil {
		return "", &SubmissionError{Provider: compositeName, StatusCode: status, Message: "parse response", Err: err}
	}
	if sub.RequestID == "" {
		return "", &SubmissionError{Provider: compositeName, StatusCode: status, Message: "no request id returned: " + truncate(string(respBody), 200)}
	}

	log.Info().Str("provider", compositeName).Str("externalId", sub.RequestID).Int("stagedInputs", len(staged)).Msg("Composite request enqueued")

	if len(staged) > 0 {
		c.awaitIngest(ctx, sub.RequestID)
	}
	return sub.RequestID, nil
}

// Poll reports the job state. In wait mode it loops until the job resolves
// or the wait timeout elapses.
func (c *Composite) Poll(ctx context.Context, externalID string) (PollResult, error) {
	if !c.wait {
		return c.pollOnce(ctx, externalID)
	}

	deadline := c.now().Add(c.waitTimeout)
	for {
		res, err := c.pollOnce(ctx, externalID)
		if err != nil {
			return PollResult{}, err
		}
		if res.State != StateInProgress {
			return res, nil
		}
		if !c.now().Before(deadline) {
			return PollResult{}, &PollError{
				Provider:   compositeName,
				ExternalID: externalID,
				Err:        fmt.Errorf("timed out after %s waiting for result", c.waitTimeout),
			}
		}
		log.Debug().Str("externalId", externalID).Dur("nextPoll", c.pollInterval).Msg("Composite still processing")
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, Err: err}
		}
	}
}

func (c *Composite) pollOnce(ctx context.Context, externalID string) (PollResult, error) {
	statusURL := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, c.model, externalID)
	code, body, err := c.do(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, Err: err}
	}
	if code < 200 || code > 299 {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, StatusCode: code, Err: fmt.Errorf("%s", upstreamMessage(body))}
	}

	var st queueStatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, Err: fmt.Errorf("parse status: %w", err)}
	}

	switch st.Status {
	case "COMPLETED":
		// Some queue backends report failures as COMPLETED with an error.
		if reason := errorText(st.Error); reason != "" {
			return PollResult{State: StateFailed, Error: reason}, nil
		}
		return c.fetchResult(ctx, externalID)
	case "FAILED", "ERROR", "CANCELLED":
		return PollResult{State: StateFailed, Error: errorText(st.Error)}, nil
	case "IN_PROGRESS":
		return PollResult{State: StateInProgress, Processing: true}, nil
	default:
		return PollResult{State: StateInProgress}, nil
	}
}

func (c *Composite) fetchResult(ctx context.Context, externalID string) (PollResult, error) {
	resultURL := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, c.model, externalID)
	code, body, err := c.do(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, Err: err}
	}
	if code < 200 || code > 299 {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, StatusCode: code, Err: fmt.Errorf("%s", upstreamMessage(body))}
	}

	var output any
	if err := json.Unmarshal(body, &output); err != nil {
		return PollResult{}, &PollError{Provider: compositeName, ExternalID: externalID, Err: fmt.Errorf("parse result: %w", err)}
	}
	return PollResult{State: StateSucceeded, Output: queueOutput(output)}, nil
}

// queueOutput unwraps the multi-image result shape {"images":[...]} to its
// first image. Other documents are returned as is.
func queueOutput(doc any) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	images, ok := m["images"].([]any)
	if !ok || len(images) == 0 {
		return doc
	}
	return images[0]
}

// awaitIngest polls until the job leaves the queue, so the provider has
// fetched the staged inputs before they are deleted. Errors and timeouts
// are logged only: the job id is already valid.
func (c *Composite) awaitIngest(ctx context.Context, externalID string) {
	if c.ingestTimeout < 0 {
		return
	}
	deadline := c.now().Add(c.ingestTimeout)
	for c.now().Before(deadline) {
		res, err := c.pollOnce(ctx, externalID)
		if err != nil {
			log.Warn().Err(err).Str("externalId", externalID).Msg("Composite ingest check failed")
			return
		}
		if res.State != StateInProgress || res.Processing {
			return
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return
		}
	}
	log.Warn().Str("externalId", externalID).Dur("timeout", c.ingestTimeout).Msg("Composite job still queued when staged inputs were released")
}

// stage uploads inline image data and returns a presigned URL. URLs are
// passed through unchanged.
func (c *Composite) stage(ctx context.Context, data string, staged *[]string) (string, error) {
	if imagedata.IsURL(data) {
		return data, nil
	}
	if c.stager == nil || c.stagingBucket == "" {
		return "", fmt.Errorf("inline image data requires a staging bucket")
	}

	raw, err := imagedata.Decode(data)
	if err != nil {
		return "", err
	}
	info, err := imagedata.Sniff(raw)
	if err != nil {
		return "", err
	}

	key := stagingPrefix + uuid.NewString() + info.Extension
	if err := c.stager.Put(ctx, c.stagingBucket, key, raw, info.MIMEType); err != nil {
		return "", fmt.Errorf("upload staged input: %w", err)
	}
	*staged = append(*staged, key)

	url, err := c.stager.PresignGet(ctx, c.stagingBucket, key, stagingURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign staged input: %w", err)
	}

	log.Debug().Str("bucket", c.stagingBucket).Str("key", key).Int("bytes", len(raw)).Msg("Staged composite input")
	return url, nil
}

// cleanup deletes staged inputs. It runs detached from ctx so a canceled
// request still releases its temporary objects.
func (c *Composite) cleanup(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupDeadline)
	defer cancel()

	for _, key := range keys {
		if err := c.stager.Delete(cctx, c.stagingBucket, key); err != nil {
			log.Warn().Err(err).Str("bucket", c.stagingBucket).Str("key", key).Msg("Failed to delete staged composite input")
			continue
		}
		log.Debug().Str("key", key).Msg("Deleted staged composite input")
	}
}

func (c *Composite) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
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
		Msg("Composite provider response")
	return resp.StatusCode, respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
