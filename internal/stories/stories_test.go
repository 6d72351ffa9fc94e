package stories

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/quota"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/templates"
)

type fakePipeline struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []models.GenerationRequest
}

func (f *fakePipeline) Generate(_ context.Context, req models.GenerationRequest, onChunk generation.Emit) (*generation.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if onChunk != nil {
		onChunk(f.content, false)
		onChunk("", true)
	}
	return &generation.Result{Content: f.content, Provider: "claude", Model: "claude-test"}, nil
}

func (f *fakePipeline) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	svc      *Service
	pipeline *fakePipeline
	backend  *quota.MemoryBackend
	remote   *remotetest.Service
	queue    *queue.Queue
	monitor  *connectivity.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pipeline: &fakePipeline{content: "# Biscuit and the Big Hill\n\nBiscuit ran up the hill."},
		backend:  quota.NewMemoryBackend(),
		remote:   remotetest.NewService(),
		queue:    queue.New(queue.NewMemoryStore()),
		monitor:  connectivity.NewMonitor(true),
	}
	f.svc = New(Deps{
		Pipeline:  f.pipeline,
		Quota:     quota.NewTracker(f.backend, quota.WithMonitor(f.monitor)),
		Templates: templates.New(42, templates.WithClock(func() time.Time { return time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC) })),
		Writer:    syncpkg.NewWriter(syncpkg.NewEngine(f.remote), f.queue, f.monitor),
	})
	return f
}

var (
	biscuit = models.Pet{ID: "p1", Name: "Biscuit", Species: "dog", Breed: "beagle"}
	free    = models.Account{UserID: "U1", Tier: models.TierFree}
	premium = models.Account{UserID: "U2", Tier: models.TierPremium}
)

func TestGenerateStory_Remote(t *testing.T) {
	f := newFixture(t)
	var streamed strings.Builder
	res, err := f.svc.GenerateStory(context.Background(), StoryRequest{
		Account: premium,
		Pet:     biscuit,
		Type:    models.StoryAdventure,
		Recent:  []models.JournalNote{{Content: "Loved the beach."}},
	}, func(fr string, _ bool) { streamed.WriteString(fr) })
	require.NoError(t, err)

	assert.False(t, res.IsTemplateGenerated)
	assert.Equal(t, "claude", res.Provider)
	assert.Equal(t, "Biscuit and the Big Hill", res.Title)
	assert.Equal(t, "Biscuit ran up the hill.", res.Content)
	assert.Equal(t, "adventure", res.Variant)
	assert.Contains(t, streamed.String(), "Biscuit ran")

	require.Len(t, f.pipeline.requests, 1)
	req := f.pipeline.requests[0]
	assert.Equal(t, models.StoryMaxTokens, req.MaxTokens)
	assert.Contains(t, req.Turns[0].Content, "Loved the beach.")
	assert.Contains(t, req.Turns[0].Content, "beagle")
	assert.Equal(t, 1, f.backend.Window("U2").Used)
}

func TestGenerateStory_Fallbacks(t *testing.T) {
	tests := []struct {
		name    string
		account models.Account
		setup   func(f *fixture)
		request StoryRequest
	}{
		{name: "not entitled", account: free},
		{name: "quota exhausted", account: premium, setup: func(f *fixture) { f.backend.Seed("U2", 50) }},
		{name: "providers exhausted", account: premium, setup: func(f *fixture) {
			f.pipeline.err = errors.New(errors.ErrProvidersExhausted, "all failed")
		}},
		{name: "templates requested", account: premium, request: StoryRequest{UseTemplates: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			before := f.backend.Window(tt.account.UserID).Used

			req := tt.request
			req.Account, req.Pet, req.Type = tt.account, biscuit, models.StoryMystery
			var done int
			res, err := f.svc.GenerateStory(context.Background(), req, func(_ string, d bool) {
				if d {
					done++
				}
			})
			require.NoError(t, err)
			assert.True(t, res.IsTemplateGenerated)
			assert.Empty(t, res.Provider)
			assert.NotEmpty(t, res.Title)
			assert.NotEmpty(t, res.Content)
			assert.Equal(t, 1, done)
			assert.Equal(t, before, f.backend.Window(tt.account.UserID).Used, "fallback must not consume quota")
		})
	}
}

func TestGenerateStory_OfflineSkipsQuota(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed("U2", 50)
	f.monitor.SetOnline(false)

	res, err := f.svc.GenerateStory(context.Background(), StoryRequest{Account: premium, Pet: biscuit}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsTemplateGenerated, "offline quota is unlimited so the pipeline is tried")
	assert.Equal(t, 1, f.pipeline.calls())
}

// The exhausted-quota poem scenario: no provider call and no usage recorded.
func TestGenerateTribute_QuotaExhaustedPoem(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed("U1", 5)

	res, err := f.svc.GenerateTribute(context.Background(), TributeRequest{
		Account: free,
		Pet:     biscuit,
		Type:    models.TributePoem,
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsTemplateGenerated)
	assert.Empty(t, res.Provider, "template results carry no provider")
	assert.Empty(t, res.Model)
	assert.Equal(t, "poem", res.Variant)
	assert.Equal(t, 0, f.pipeline.calls())
	assert.Equal(t, 5, f.backend.Window("U1").Used)
}

func TestGenerateTribute_Remote(t *testing.T) {
	f := newFixture(t)
	born := time.Date(2012, 3, 1, 0, 0, 0, 0, time.UTC)
	died := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	pet := biscuit
	pet.BirthDate, pet.DeceasedAt = &born, &died
	pet.PersonalityTraits = []string{"gentle", "curious"}

	res, err := f.svc.GenerateTribute(context.Background(), TributeRequest{
		Account:  free,
		Pet:      pet,
		Type:     models.TributeShort,
		Memories: []models.Memory{{Title: "First Snow"}},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsTemplateGenerated)
	assert.Equal(t, "Remembering Biscuit", res.Title)

	prompt := f.pipeline.requests[0].Turns[0].Content
	assert.Contains(t, prompt, "13 wonderful years (2012-2025)")
	assert.Contains(t, prompt, "gentle, curious")
	assert.Contains(t, prompt, "First Snow")
	assert.Equal(t, models.TributeShort.MaxTokens(), f.pipeline.requests[0].MaxTokens)
	assert.Equal(t, 1, f.backend.Window("U1").Used)

	_, err = f.svc.GenerateTribute(context.Background(), TributeRequest{Pet: pet, Type: "sonnet"}, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestMemoryBook(t *testing.T) {
	f := newFixture(t)
	f.pipeline.content = `Here you go:
[{"title":"Beach Day","content":"Biscuit dug a hole.","season":"summer","mood":"joyful"}]`

	mems, fromTemplates, err := f.svc.MemoryBook(context.Background(), TributeRequest{Account: free, Pet: biscuit}, 1)
	require.NoError(t, err)
	assert.False(t, fromTemplates)
	assert.Equal(t, []models.Memory{{Title: "Beach Day", Content: "Biscuit dug a hole.", Season: "summer", Mood: "joyful"}}, mems)

	f.pipeline.content = "not json at all"
	mems, _, _ = f.svc.MemoryBook(context.Background(), TributeRequest{Account: free, Pet: biscuit}, 3)
	require.Len(t, mems, 1)
	assert.Equal(t, "Remembering Biscuit", mems[0].Title)

	f.backend.Seed("U1", 5)
	mems, fromTemplates, err = f.svc.MemoryBook(context.Background(), TributeRequest{Account: free, Pet: biscuit}, 0)
	require.NoError(t, err)
	assert.True(t, fromTemplates)
	assert.Len(t, mems, memoryBookLength)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	turns := []models.Turn{{Role: models.RoleUser, Content: "Want a treat?"}}

	res, err := f.svc.Chat(context.Background(), ChatRequest{Account: free, Pet: biscuit, Turns: turns}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsTemplateGenerated)
	assert.Contains(t, f.pipeline.requests[0].SystemFraming, "Biscuit")

	f.pipeline.err = errors.New(errors.ErrProvidersExhausted, "down")
	res, err = f.svc.Chat(context.Background(), ChatRequest{Account: free, Pet: biscuit, Turns: turns}, nil)
	require.NoError(t, err)
	assert.True(t, res.IsTemplateGenerated)

	f.backend.Seed("U1", 5)
	_, err = f.svc.Chat(context.Background(), ChatRequest{Account: free, Pet: biscuit, Turns: turns}, nil)
	assert.True(t, errors.Is(err, errors.ErrQuotaExceeded))
	assert.Equal(t, errors.KindQuota, errors.KindOf(err))

	_, err = f.svc.Chat(context.Background(), ChatRequest{Account: free, Pet: biscuit}, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestSaveStory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.GenerateStory(ctx, StoryRequest{Account: free, Pet: biscuit}, nil)
	require.NoError(t, err)

	_, err = f.svc.SaveStory(ctx, models.Account{}, res)
	assert.True(t, errors.Is(err, errors.ErrPermission))

	wr, err := f.svc.SaveStory(ctx, free, res)
	require.NoError(t, err)
	assert.False(t, wr.Queued)
	_, err = f.svc.SaveStory(ctx, free, res)
	require.NoError(t, err)

	rows := f.remote.Rows(remote.TableStories)
	require.Len(t, rows, 1, "saving twice stores once")
	assert.Equal(t, true, rows[0]["is_template_generated"])
	assert.Equal(t, "U1", rows[0]["user_id"])

	f.monitor.SetOnline(false)
	other := *res
	other.CreatedAt = res.CreatedAt.Add(time.Second)
	wr, err = f.svc.SaveStory(ctx, free, &other)
	require.NoError(t, err)
	assert.True(t, wr.Queued)
	stats, _ := f.queue.Stats(ctx)
	assert.Equal(t, 1, stats.Queued)
}

func TestSplitTitle(t *testing.T) {
	for in, want := range map[string][2]string{
		"# Title Here\nBody":         {"Title Here", "Body"},
		"Title: **Bold**\n\nBody":    {"Bold", "Body"},
		"Only one paragraph":         {"", "Only one paragraph"},
		"\n\nBody after blank lines": {"", "Body after blank lines"},
	} {
		title, body := splitTitle(in)
		assert.Equal(t, want[0], title, in)
		assert.Equal(t, want[1], body, in)
	}
}

func TestFallbackObserver(t *testing.T) {
	f := newFixture(t)
	var got []string
	f.svc.onFallback = func(kind models.GenerationKind, reason string) {
		got = append(got, string(kind)+":"+reason)
	}

	_, err := f.svc.GenerateStory(context.Background(), StoryRequest{Account: free, Pet: biscuit, Type: models.StoryComedy}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"story:" + reasonEntitled}, got)
}

func TestPetContextThemes(t *testing.T) {
	pet := models.Pet{ID: "p1", Name: "Biscuit", Species: "dog"}
	journal := []models.JournalNote{
		{Date: "2024-05-01", Content: "Biscuit chased the ball at the park."},
		{Date: "2024-05-02", Content: "Another ball game at the park with Biscuit."},
		{Date: "2024-05-03", Content: "Biscuit napped after fetching the ball."},
	}

	ctx := petContext(pet, journal, nil)
	assert.Contains(t, ctx, "Recurring themes in their journal: ball")
	assert.NotContains(t, strings.ToLower(ctx[strings.Index(ctx, "Recurring"):]), "biscuit")

	assert.NotContains(t, petContext(pet, journal[:2], nil), "Recurring themes")
}
