package generation

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fpang/tryon-studio/internal/metrics"
	"github.com/fpang/tryon-studio/internal/provider"
)

func TestMain(m *testing.M) {
	restore := metrics.SetOutput(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]*Generation
	updates int
	// beforeUpdate runs once, before the next Update is applied, to
	// simulate a concurrent writer.
	beforeUpdate func(stored *Generation)
	updateErr    error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]*Generation)}
}

func (f *fakeRecords) Create(_ context.Context, g *Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[g.ID]; ok {
		return ErrConflict
	}
	g.Version = 1
	f.records[g.ID] = g.clone()
	return nil
}

func (f *fakeRecords) Get(_ context.Context, id string) (*Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return g.clone(), nil
}

func (f *fakeRecords) Update(_ context.Context, g *Generation, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.records[g.ID]
	if !ok {
		return ErrConflict
	}
	if hook := f.beforeUpdate; hook != nil {
		f.beforeUpdate = nil
		hook(stored)
		stored.Version++
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("fake: %w", ErrConflict)
	}
	f.updates++
	g.Version = expectedVersion + 1
	f.records[g.ID] = g.clone()
	return nil
}

func (f *fakeRecords) ListProcessing(_ context.Context, createdBefore time.Time) ([]*Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Generation
	for _, g := range f.records {
		if g.Status == StatusProcessing && g.CreatedAt.Before(createdBefore) {
			out = append(out, g.clone())
		}
	}
	return out, nil
}

func (f *fakeRecords) put(g *Generation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.Version == 0 {
		g.Version = 1
	}
	f.records[g.ID] = g.clone()
}

type storedObject struct {
	Bucket, Key, ContentType string
	Body                     []byte
}

type fakeArtifacts struct {
	mu         sync.Mutex
	puts       []storedObject
	deletes    []string
	putErr     error
	presignErr error
}

func (f *fakeArtifacts) Put(_ context.Context, bucket, key string, body []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, storedObject{Bucket: bucket, Key: key, ContentType: contentType, Body: body})
	return nil
}

// PresignGet is deterministic so repeated projections compare equal.
func (f *fakeArtifacts) PresignGet(_ context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://signed.test/%s/%s?expires=%d", bucket, key, int(expiry.Seconds())), nil
}

func (f *fakeArtifacts) PublicURL(bucket, key string) string {
	return "https://" + bucket + ".s3.us-east-1.amazonaws.com/" + key
}

func (f *fakeArtifacts) Delete(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, bucket+"/"+key)
	return nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return nil, "", "", f.err
	}
	return []byte("\x89PNG fake"), "image/png", ".png", nil
}

type pollStep struct {
	res provider.PollResult
	err error
}

type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	submitID  string
	submitErr error
	submitted []provider.Input
	steps     []pollStep
	polls     int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Submit(_ context.Context, in provider.Input) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, in)
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return a.submitID, nil
}

// Poll replays steps in order and repeats the last one.
func (a *fakeAdapter) Poll(_ context.Context, _ string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if len(a.steps) == 0 {
		return provider.PollResult{State: provider.StateInProgress}, nil
	}
	step := a.steps[0]
	if len(a.steps) > 1 {
		a.steps = a.steps[1:]
	}
	return step.res, step.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*Generation
	err    error
}

func (n *fakeNotifier) GenerationFinished(_ context.Context, g *Generation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, g.clone())
	return n.err
}

type harness struct {
	o         *Orchestrator
	records   *fakeRecords
	artifacts *fakeArtifacts
	fetcher   *fakeFetcher
	tryOn     *fakeAdapter
	composite *fakeAdapter
	notifier  *fakeNotifier
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		records:   newFakeRecords(),
		artifacts: &fakeArtifacts{},
		fetcher:   &fakeFetcher{},
		tryOn:     &fakeAdapter{name: "try-on", submitID: "pred-1"},
		composite: &fakeAdapter{name: "composite", submitID: "req-1"},
		notifier:  &fakeNotifier{},
		clock:     time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	h.o = NewOrchestrator(h.records, h.artifacts, h.fetcher, map[Type]provider.Adapter{
		TypeTryOn:     h.tryOn,
		TypeComposite: h.composite,
	}, h.notifier, Config{})
	h.o.now = func() time.Time { return h.clock }
	ids := 0
	h.o.newID = func() string {
		ids++
		return fmt.Sprintf("gen-%d", ids)
	}
	return h
}

func (h *harness) advanceClock(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) processing(id string, typ Type) *Generation {
	g := &Generation{
		ID:         id,
		Type:       typ,
		Status:     StatusProcessing,
		ExternalID: "ext-" + id,
		CreatedAt:  h.clock,
		UpdatedAt:  h.clock,
	}
	h.records.put(g)
	return g
}

func succeeded(output any) pollStep {
	return pollStep{res: provider.PollResult{State: provider.StateSucceeded, Output: output}}
}

func inProgress(processing bool) pollStep {
	return pollStep{res: provider.PollResult{State: provider.StateInProgress, Processing: processing}}
}
