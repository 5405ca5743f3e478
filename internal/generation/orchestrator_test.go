package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/tryon-studio/internal/provider"
)

func tryOnRequest() CreateRequest {
	return CreateRequest{
		Type: TypeTryOn,
		Images: []provider.Image{
			{Role: provider.RoleModel, Data: "data:image/png;base64,AAAA"},
			{Role: provider.RoleClothing, Data: "data:image/png;base64,BBBB"},
		},
		Prompt:   "A person wearing clothing",
		Metadata: map[string]string{"modelImageId": "m-1", "clothingImageId": "c-1"},
	}
}

func TestCreate_PersistsProcessingRecord(t *testing.T) {
	h := newHarness(t)

	g, err := h.o.Create(context.Background(), tryOnRequest())
	require.NoError(t, err)
	assert.Equal(t, "gen-1", g.ID)
	assert.Equal(t, StatusProcessing, g.Status)
	assert.Equal(t, "pred-1", g.ExternalID)
	assert.Equal(t, 0, g.Progress)

	stored, err := h.records.Get(context.Background(), "gen-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Equal(t, "m-1", stored.Metadata["modelImageId"])
	assert.Equal(t, h.clock, stored.CreatedAt)

	require.Len(t, h.tryOn.submitted, 1)
	assert.Equal(t, "A person wearing clothing", h.tryOn.submitted[0].Prompt)
	assert.Empty(t, h.composite.submitted)
}

func TestCreate_SubmissionFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.tryOn.submitErr = &provider.SubmissionError{Provider: "try-on", StatusCode: 422, Message: "invalid version"}

	g, err := h.o.Create(context.Background(), tryOnRequest())
	assert.Nil(t, g)

	var subErr *provider.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 422, subErr.StatusCode)
	assert.Empty(t, h.records.records)
}

func TestCreate_InvalidType(t *testing.T) {
	h := newHarness(t)
	req := tryOnRequest()
	req.Type = "upscale"

	_, err := h.o.Create(context.Background(), req)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "type", vErr.Fields[0].Field)
}

func TestCreate_SourceGeneration(t *testing.T) {
	h := newHarness(t)
	h.processing("running", TypeTryOn)
	done := h.processing("done", TypeTryOn)
	done.Status = StatusCompleted
	done.StoragePath = "done/x.png"
	done.Progress = 100
	h.records.put(done)

	req := CreateRequest{
		Type:   TypeComposite,
		Images: []provider.Image{{Role: provider.RoleFigure, Data: "https://x/f.png"}, {Role: provider.RoleScene, Data: "https://x/s.png"}},
		Prompt: "place the figure in the scene",
	}

	for _, src := range []string{"missing", "running"} {
		req.SourceGenerationID = src
		_, err := h.o.Create(context.Background(), req)
		assert.ErrorIs(t, err, ErrSourceNotReady, src)
	}
	assert.Empty(t, h.composite.submitted)

	req.SourceGenerationID = "done"
	g, err := h.o.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", g.SourceGenerationID)
	assert.Equal(t, TypeComposite, g.Type)
	assert.Equal(t, "req-1", g.ExternalID)
}

func TestGetStatus_HappyPathTryOn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g, err := h.o.Create(ctx, tryOnRequest())
	require.NoError(t, err)

	h.tryOn.steps = []pollStep{
		inProgress(false),
		inProgress(true),
		succeeded([]any{"https://replicate.delivery/out.png"}),
	}

	p, err := h.o.GetStatus(ctx, TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, Projection{ID: g.ID, Status: StatusProcessing, Progress: 25}, p)

	p, err = h.o.GetStatus(ctx, TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Progress)

	h.advanceClock(15 * time.Second)
	p, err = h.o.GetStatus(ctx, TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 100, p.Progress)
	assert.Empty(t, p.Error)

	require.Len(t, h.artifacts.puts, 1)
	put := h.artifacts.puts[0]
	assert.Equal(t, "try-on-images", put.Bucket)
	assert.True(t, strings.HasPrefix(put.Key, g.ID+"/"), put.Key)
	assert.True(t, strings.HasSuffix(put.Key, ".png"), put.Key)
	assert.Equal(t, "image/png", put.ContentType)
	assert.Equal(t, []string{"https://replicate.delivery/out.png"}, h.fetcher.calls)
	assert.Equal(t, "https://signed.test/try-on-images/"+put.Key+"?expires=3600", p.ImageURL)

	stored, _ := h.records.Get(ctx, g.ID)
	assert.Equal(t, put.Key, stored.StoragePath)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, StatusCompleted, h.notifier.events[0].Status)
}

func TestGetStatus_TerminalReadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.processing("g1", TypeComposite)
	h.composite.steps = []pollStep{succeeded(map[string]any{"images": []any{map[string]any{"url": "https://fal.media/o.png"}}, "image": map[string]any{"url": "https://fal.media/o.png"}})}

	first, err := h.o.GetStatus(ctx, TypeComposite, g.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	polls, puts, updates := h.composite.polls, len(h.artifacts.puts), h.records.updates
	for i := 0; i < 3; i++ {
		again, err := h.o.GetStatus(ctx, TypeComposite, g.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, polls, h.composite.polls)
	assert.Len(t, h.artifacts.puts, puts)
	assert.Equal(t, updates, h.records.updates)
	assert.Empty(t, h.fetcher.calls[1:])
}

func TestGetStatus_ProviderFailure(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"with reason", "NSFW content detected", "NSFW content detected"},
		{"without reason", "", "Generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			g := h.processing("g1", TypeTryOn)
			h.tryOn.steps = []pollStep{{res: provider.PollResult{State: provider.StateFailed, Error: tt.reason}}}

			p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
			require.NoError(t, err)
			assert.Equal(t, Projection{ID: "g1", Status: StatusFailed, Progress: 100, Error: tt.want}, p)
			assert.Empty(t, h.fetcher.calls)
			assert.Empty(t, h.artifacts.puts)

			require.Len(t, h.notifier.events, 1)
			assert.Equal(t, StatusFailed, h.notifier.events[0].Status)
		})
	}
}

func TestGetStatus_MalformedOutput(t *testing.T) {
	for _, output := range []any{
		map[string]any{"foo": "bar"},
		[]any{},
		nil,
		map[string]any{"image": map[string]any{"width": 512}},
	} {
		h := newHarness(t)
		g := h.processing("g1", TypeComposite)
		h.composite.steps = []pollStep{succeeded(output)}

		p, err := h.o.GetStatus(context.Background(), TypeComposite, g.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, p.Status, "%v", output)
		assert.Equal(t, "No output image received from provider", p.Error)
		assert.Empty(t, p.ImageURL)
		assert.Empty(t, h.fetcher.calls)
	}
}

func TestGetStatus_MissingBucket(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeComposite)
	h.composite.steps = []pollStep{succeeded("https://fal.media/o.png")}
	h.artifacts.putErr = fmt.Errorf("PutObject: %w", ErrBucketNotFound)

	p, err := h.o.GetStatus(context.Background(), TypeComposite, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.Error, `"composite-images"`)
	assert.Contains(t, p.Error, "storage configuration")
	assert.Empty(t, p.ImageURL)

	stored, _ := h.records.Get(context.Background(), g.ID)
	assert.Empty(t, stored.StoragePath)
	assert.Equal(t, p.Error, stored.Error)
}

func TestGetStatus_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/gone.png")}
	h.fetcher.err = errors.New("download: unexpected status 404")

	p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "Failed to download generated image from provider", p.Error)
	assert.NotContains(t, p.Error, "404")
}

func TestGetStatus_UploadFailureFailsGeneration(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/out.png")}
	h.artifacts.putErr = errors.New("AccessDenied: upload rejected")

	p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "Failed to store generated image", p.Error)
	assert.NotContains(t, p.Error, "storage configuration")
	assert.Empty(t, p.ImageURL)

	stored, _ := h.records.Get(context.Background(), g.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Empty(t, stored.StoragePath)
	assert.Equal(t, 1, h.records.updates)
}

func TestGetStatus_PollErrorLeavesRecord(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	g.Progress = 50
	h.records.put(g)
	h.tryOn.steps = []pollStep{{err: &provider.PollError{Provider: "try-on", ExternalID: g.ExternalID, StatusCode: 502, Err: errors.New("bad gateway")}}}

	_, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	var pollErr *provider.PollError
	require.ErrorAs(t, err, &pollErr)
	assert.Equal(t, 502, pollErr.StatusCode)

	stored, _ := h.records.Get(context.Background(), g.ID)
	assert.Equal(t, g, stored)
	assert.Zero(t, h.records.updates)
}

func TestGetStatus_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{inProgress(true), inProgress(false), inProgress(false), inProgress(true)}

	last := 0
	for i := 0; i < 4; i++ {
		p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p.Progress, last)
		last = p.Progress
	}
	assert.Equal(t, 50, last)
}

func TestGetStatus_NotFound(t *testing.T) {
	h := newHarness(t)
	h.processing("g1", TypeTryOn)

	_, err := h.o.GetStatus(context.Background(), TypeTryOn, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.o.GetStatus(context.Background(), TypeComposite, "g1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.tryOn.polls)
}

func TestProject_PublicURLFallback(t *testing.T) {
	h := newHarness(t)
	h.artifacts.presignErr = errors.New("no credentials")
	g := &Generation{ID: "g1", Type: TypeTryOn, Status: StatusCompleted, StoragePath: "g1/a.png", Progress: 100}

	p := h.o.Project(context.Background(), g)
	assert.Equal(t, "https://try-on-images.s3.us-east-1.amazonaws.com/g1/a.png", p.ImageURL)
}

func TestAdvance_LosingWriterDeletesItsArtifact(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/out.png")}
	h.records.beforeUpdate = func(stored *Generation) {
		stored.Status = StatusCompleted
		stored.StoragePath = "g1/winner.png"
		stored.Progress = 100
	}

	out, err := h.o.Advance(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "g1/winner.png", out.StoragePath)

	require.Len(t, h.artifacts.puts, 1)
	assert.Equal(t, []string{"try-on-images/" + h.artifacts.puts[0].Key}, h.artifacts.deletes)

	stored, _ := h.records.Get(context.Background(), g.ID)
	assert.Equal(t, "g1/winner.png", stored.StoragePath)
	assert.Empty(t, h.notifier.events)
}

func TestAdvance_ConflictMergesOntoFreshRecord(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/out.png")}
	h.records.beforeUpdate = func(stored *Generation) {
		stored.Progress = 50
	}

	out, err := h.o.Advance(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int64(3), out.Version)
	assert.Empty(t, h.artifacts.deletes)

	stored, _ := h.records.Get(context.Background(), g.ID)
	assert.Equal(t, h.artifacts.puts[0].Key, stored.StoragePath)
	assert.Len(t, h.notifier.events, 1)
}

func TestAdvance_StoreFailureDiscardsArtifact(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/out.png")}
	h.records.updateErr = errors.New("ProvisionedThroughputExceeded")

	_, err := h.o.Advance(context.Background(), g)
	require.Error(t, err)
	require.Len(t, h.artifacts.deletes, 1)
}

func TestNotifierErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("eventbridge down")
	g := h.processing("g1", TypeTryOn)
	h.tryOn.steps = []pollStep{{res: provider.PollResult{State: provider.StateFailed, Error: "bad input"}}}

	p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestGetStatus_StaleRecordTimesOut(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.advanceClock(25 * time.Hour)

	p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.Error, "timed out")
	assert.Equal(t, 1, h.tryOn.polls)

	h2 := newHarness(t)
	g2 := h2.processing("g2", TypeTryOn)
	h2.advanceClock(25 * time.Hour)
	h2.tryOn.steps = []pollStep{{err: &provider.PollError{Provider: "try-on", Err: errors.New("gone")}}}
	p, err = h2.o.GetStatus(context.Background(), TypeTryOn, g2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestGetStatus_StaleRecordCanStillComplete(t *testing.T) {
	h := newHarness(t)
	g := h.processing("g1", TypeTryOn)
	h.advanceClock(30 * time.Hour)
	h.tryOn.steps = []pollStep{succeeded("https://replicate.delivery/late.png")}

	p, err := h.o.GetStatus(context.Background(), TypeTryOn, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	h.processing("old-done", TypeComposite)
	h.processing("old-stuck", TypeTryOn)
	h.advanceClock(23 * time.Hour)
	h.processing("recent", TypeTryOn)
	h.advanceClock(2 * time.Hour)

	h.composite.steps = []pollStep{succeeded("https://fal.media/o.png")}
	h.tryOn.steps = []pollStep{inProgress(true)}

	res, err := h.o.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Completed: 1, Failed: 1}, res)

	recent, _ := h.records.Get(context.Background(), "recent")
	assert.Equal(t, StatusProcessing, recent.Status)
	stuck, _ := h.records.Get(context.Background(), "old-stuck")
	assert.Equal(t, StatusFailed, stuck.Status)
}

func TestSweep_Disabled(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.StaleAfter = -1
	h.processing("g1", TypeTryOn)
	h.advanceClock(100 * time.Hour)

	res, err := h.o.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}
