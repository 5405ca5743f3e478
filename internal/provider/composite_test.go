package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStager struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
	putErr  error
}

func (s *fakeStager) Put(_ context.Context, bucket, key string, _ []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, bucket+"/"+key)
	return nil
}

func (s *fakeStager) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://staging.test/" + bucket + "/" + key + "?sig=x", nil
}

func (s *fakeStager) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, bucket+"/"+key)
	return nil
}

// queueServer serves a queue API under /fal-ai/composite. statuses are
// returned in order by the status endpoint, the last one repeating.
type queueServer struct {
	*httptest.Server
	mu          sync.Mutex
	submitted   map[string]any
	submitCode  int
	statuses    []string
	statusCalls int
	result      string
}

func newQueueServer(t *testing.T) *queueServer {
	q := &queueServer{submitCode: http.StatusOK, statuses: []string{`{"status":"IN_PROGRESS"}`}}
	q.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key secret", r.Header.Get("Authorization"))
		q.mu.Lock()
		defer q.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fal-ai/composite":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&q.submitted))
			w.WriteHeader(q.submitCode)
			if q.submitCode != http.StatusOK {
				w.Write([]byte(`{"detail":"figure_image_url could not be downloaded"}`))
				return
			}
			w.Write([]byte(`{"request_id":"req-9","status":"IN_QUEUE"}`))
		case r.URL.Path == "/fal-ai/composite/requests/req-9/status":
			body := q.statuses[0]
			if len(q.statuses) > 1 {
				q.statuses = q.statuses[1:]
			}
			q.statusCalls++
			w.Write([]byte(body))
		case r.URL.Path == "/fal-ai/composite/requests/req-9":
			w.Write([]byte(q.result))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(q.Close)
	return q
}

func newTestComposite(q *queueServer, stager Stager, wait bool) *Composite {
	c := NewComposite(CompositeConfig{
		BaseURL:       q.URL,
		APIKey:        "secret",
		Model:         "fal-ai/composite",
		Stager:        stager,
		StagingBucket: "staging",
		Wait:          wait,
		WaitTimeout:   10 * time.Second,
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func compositeInput(figure, scene string) Input {
	return Input{
		Images: []Image{{Role: RoleFigure, Data: figure}, {Role: RoleScene, Data: scene}},
		Prompt: "place the figure on the beach at sunset",
	}
}

func TestComposite_SubmitStagesAndCleansUp(t *testing.T) {
	q := newQueueServer(t)
	stager := &fakeStager{}
	c := newTestComposite(q, stager, false)

	id, err := c.Submit(context.Background(), compositeInput("data:image/png;base64,"+pngBase64(t), "https://cdn.example/beach.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "req-9", id)

	require.Len(t, stager.puts, 1)
	assert.True(t, strings.HasPrefix(stager.puts[0], "staging/tmp/"), stager.puts[0])
	assert.True(t, strings.HasSuffix(stager.puts[0], ".png"), stager.puts[0])
	assert.Equal(t, stager.puts, stager.deletes)

	assert.Equal(t, "https://staging.test/"+stager.puts[0]+"?sig=x", q.submitted["figure_image_url"])
	assert.Equal(t, "https://cdn.example/beach.jpg", q.submitted["scene_image_url"])
	assert.Equal(t, "place the figure on the beach at sunset", q.submitted["prompt"])
	// One ingest check: the job was already IN_PROGRESS.
	assert.Equal(t, 1, q.statusCalls)
}

func TestComposite_SubmitRejectedStillCleansUp(t *testing.T) {
	q := newQueueServer(t)
	q.submitCode = http.StatusBadRequest
	stager := &fakeStager{}
	c := newTestComposite(q, stager, false)

	img := pngBase64(t)
	_, err := c.Submit(context.Background(), compositeInput(img, img))

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, http.StatusBadRequest, subErr.StatusCode)
	assert.Equal(t, "figure_image_url could not be downloaded", subErr.Message)
	assert.Len(t, stager.puts, 2)
	assert.ElementsMatch(t, stager.puts, stager.deletes)
	assert.Zero(t, q.statusCalls)
}

func TestComposite_SubmitInvalidImage(t *testing.T) {
	q := newQueueServer(t)
	stager := &fakeStager{}
	c := newTestComposite(q, stager, false)

	_, err := c.Submit(context.Background(), compositeInput("data:image/png;base64,"+pngBase64(t), "bm90IGFuIGltYWdl"))
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "stage scene image", subErr.Message)
	assert.Nil(t, q.submitted)
	assert.Equal(t, stager.puts, stager.deletes)
}

func TestComposite_SubmitStagingUnavailable(t *testing.T) {
	q := newQueueServer(t)
	stager := &fakeStager{putErr: errors.New("AccessDenied")}
	c := newTestComposite(q, stager, false)

	_, err := c.Submit(context.Background(), compositeInput(pngBase64(t), "https://x/s.png"))
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorContains(t, err, "AccessDenied")
	assert.Empty(t, stager.deletes)
}

func TestComposite_SubmitWaitsForIngest(t *testing.T) {
	q := newQueueServer(t)
	q.statuses = []string{`{"status":"IN_QUEUE"}`, `{"status":"IN_QUEUE"}`, `{"status":"IN_PROGRESS"}`}
	stager := &fakeStager{}
	c := newTestComposite(q, stager, false)

	_, err := c.Submit(context.Background(), compositeInput(pngBase64(t), "https://x/s.png"))
	require.NoError(t, err)
	assert.Equal(t, 3, q.statusCalls)
	assert.Len(t, stager.deletes, 1)
}

func TestComposite_SubmitURLsSkipIngest(t *testing.T) {
	q := newQueueServer(t)
	c := newTestComposite(q, nil, false)

	_, err := c.Submit(context.Background(), compositeInput("https://x/f.png", "https://x/s.png"))
	require.NoError(t, err)
	assert.Zero(t, q.statusCalls)
}

func TestComposite_Poll(t *testing.T) {
	tests := []struct {
		name   string
		status string
		result string
		want   PollResult
	}{
		{"queued", `{"status":"IN_QUEUE"}`, "", PollResult{State: StateInProgress}},
		{"running", `{"status":"IN_PROGRESS"}`, "", PollResult{State: StateInProgress, Processing: true}},
		{"failed", `{"status":"FAILED","error":"content policy violation"}`, "", PollResult{State: StateFailed, Error: "content policy violation"}},
		{"error object", `{"status":"ERROR","error":{"message":"worker crashed"}}`, "", PollResult{State: StateFailed, Error: "worker crashed"}},
		{"completed with error", `{"status":"COMPLETED","error":"no face found"}`, "", PollResult{State: StateFailed, Error: "no face found"}},
		{"completed", `{"status":"COMPLETED"}`, `{"image":{"url":"https://fal.media/out.png"}}`, PollResult{
			State:  StateSucceeded,
			Output: map[string]any{"image": map[string]any{"url": "https://fal.media/out.png"}},
		}},
		{"completed images list", `{"status":"COMPLETED"}`, `{"images":[{"url":"https://fal.media/1.png"},{"url":"https://fal.media/2.png"}],"seed":7}`, PollResult{
			State:  StateSucceeded,
			Output: map[string]any{"url": "https://fal.media/1.png"},
		}},
		{"completed empty images", `{"status":"COMPLETED"}`, `{"images":[]}`, PollResult{
			State:  StateSucceeded,
			Output: map[string]any{"images": []any{}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueueServer(t)
			q.statuses = []string{tt.status}
			q.result = tt.result

			res, err := newTestComposite(q, nil, false).Poll(context.Background(), "req-9")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestComposite_PollWaitLoop(t *testing.T) {
	q := newQueueServer(t)
	q.statuses = []string{`{"status":"IN_QUEUE"}`, `{"status":"IN_PROGRESS"}`, `{"status":"COMPLETED"}`}
	q.result = `{"images":[{"url":"https://fal.media/a.png","width":1024}],"seed":42}`

	res, err := newTestComposite(q, nil, true).Poll(context.Background(), "req-9")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 3, q.statusCalls)

	url, ok := ResolveOutputURL(res.Output)
	assert.True(t, ok)
	assert.Equal(t, "https://fal.media/a.png", url)
}

func TestComposite_PollWaitTimeout(t *testing.T) {
	q := newQueueServer(t)
	q.statuses = []string{`{"status":"IN_QUEUE"}`}
	c := newTestComposite(q, nil, true)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	c.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}

	_, err := c.Poll(context.Background(), "req-9")
	var pollErr *PollError
	require.ErrorAs(t, err, &pollErr)
	assert.ErrorContains(t, err, "timed out")
	// 10s timeout at a 2s interval: the initial check plus five more.
	assert.Equal(t, 6, q.statusCalls)
}

func TestComposite_PollHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewComposite(CompositeConfig{BaseURL: srv.URL, Model: "fal-ai/composite"})
	_, err := c.Poll(context.Background(), "req-9")
	var pollErr *PollError
	require.ErrorAs(t, err, &pollErr)
	assert.Equal(t, http.StatusServiceUnavailable, pollErr.StatusCode)
}
