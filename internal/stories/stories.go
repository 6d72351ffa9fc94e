// Package stories orchestrates metered content generation: entitlement and
// quota checks, the provider pipeline and the template fallback. Stories and
// tributes never fail because a remote path was unavailable; chat is hard
// blocked by the quota.
package stories

import (
	"context"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/generation"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/quota"
	"github.com/dogtale/companion-core/internal/remote"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/telemetry"
	"github.com/dogtale/companion-core/internal/templates"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Fallback reasons, as logged.
const (
	reasonRequested  = "requested"
	reasonEntitled   = "not_entitled"
	reasonQuota      = "quota_exhausted"
	reasonExhausted  = "providers_exhausted"
	memoryBookLength = 5
)

// Generator is the provider pipeline.
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest, onChunk generation.Emit) (*generation.Result, error)
}

var _ Generator = (*generation.Pipeline)(nil)

// FallbackFunc observes template fallbacks with the logged reason.
type FallbackFunc func(kind models.GenerationKind, reason string)

// Deps are the service collaborators. Writer, Metrics and OnFallback are
// optional.
type Deps struct {
	Pipeline   Generator
	Quota      *quota.Tracker
	Templates  *templates.Generator
	Writer     *syncpkg.Writer
	Metrics    *telemetry.Metrics
	OnFallback FallbackFunc
}

// Service generates stories, tributes, memory books and chat replies.
type Service struct {
	pipeline   Generator
	quota      *quota.Tracker
	templates  *templates.Generator
	writer     *syncpkg.Writer
	metrics    *telemetry.Metrics
	onFallback FallbackFunc
	now        func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	t := d.Templates
	if t == nil {
		t = templates.New(uint64(time.Now().UnixNano()))
	}
	return &Service{
		pipeline:   d.Pipeline,
		quota:      d.Quota,
		templates:  t,
		writer:     d.Writer,
		metrics:    d.Metrics,
		onFallback: d.OnFallback,
		now:        time.Now,
	}
}

// StoryRequest asks for a story about Pet.
type StoryRequest struct {
	Account models.Account
	Pet     models.Pet
	Type    models.StoryType
	Recent  []models.JournalNote
	// UseTemplates skips the remote path.
	UseTemplates bool
}

// TributeRequest asks for a memorial tribute.
type TributeRequest struct {
	Account  models.Account
	Pet      models.Pet
	Type     models.TributeType
	Journal  []models.JournalNote
	Memories []models.Memory
}

// ChatRequest continues a conversation in the pet's voice.
type ChatRequest struct {
	Account models.Account
	Pet     models.Pet
	Turns   []models.Turn
}

// =====================================================
// Metering
// =====================================================

// admit reports whether the remote path may be used, and why not.
func (s *Service) admit(ctx context.Context, account models.Account, feature string) (bool, string) {
	if feature != "" && !account.Tier.Has(feature) {
		return false, reasonEntitled
	}
	if s.quota == nil {
		return true, ""
	}
	if account.Authenticated() {
		s.quota.SetAccount(account)
	}
	status, err := s.quota.Check(ctx, account.UserID)
	if err != nil || !status.Allowed {
		return false, reasonQuota
	}
	return true, ""
}

// consume records one remote generation. The content was already
// delivered, so a failed increment is only logged (by the tracker).
func (s *Service) consume(ctx context.Context, account models.Account, content string) {
	if s.quota == nil || !account.Authenticated() {
		return
	}
	_ = s.quota.Increment(ctx, account.UserID, estimateTokens(content))
}

// estimateTokens approximates provider tokens at four bytes each.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

func (s *Service) remote(ctx context.Context, req models.GenerationRequest, onChunk generation.Emit) (*generation.Result, error) {
	if s.pipeline == nil {
		return nil, errors.New(errors.ErrProvidersExhausted, "no content pipeline configured")
	}
	return s.pipeline.Generate(ctx, req, onChunk)
}

func (s *Service) fallback(kind models.GenerationKind, reason string, r models.GenerationResult, onChunk generation.Emit) *models.GenerationResult {
	logging.Info("Using template generation", map[string]interface{}{
		"kind":   string(kind),
		"reason": reason,
	})
	if onChunk != nil {
		onChunk(r.Content, false)
		onChunk("", true)
	}
	s.metrics.GenerationFinished(string(kind), templates.ProviderName)
	if s.onFallback != nil {
		s.onFallback(kind, reason)
	}
	return &r
}

func (s *Service) finished(kind models.GenerationKind, res *generation.Result) {
	s.metrics.GenerationFinished(string(kind), res.Provider)
	logging.Info("Generated content", map[string]interface{}{
		"kind":     string(kind),
		"provider": res.Provider,
		"model":    res.Model,
	})
}

// =====================================================
// Stories
// =====================================================

// GenerateStory returns a story, from a provider when the account is
// entitled and within quota, otherwise from templates. onChunk may be nil.
func (s *Service) GenerateStory(ctx context.Context, req StoryRequest, onChunk generation.Emit) (*models.GenerationResult, error) {
	if !req.Type.Valid() {
		req.Type = models.StoryDayInLife
	}
	template := func(reason string) *models.GenerationResult {
		return s.fallback(models.KindStory, reason, s.templates.Story(req.Pet, req.Type, req.Recent), onChunk)
	}

	if req.UseTemplates {
		return template(reasonRequested), nil
	}
	if ok, reason := s.admit(ctx, req.Account, models.FeatureStoryGeneration); !ok {
		return template(reason), nil
	}

	res, err := s.remote(ctx, models.GenerationRequest{
		SystemFraming: storytellerFraming,
		Turns:         []models.Turn{{Role: models.RoleUser, Content: storyPrompt(req.Pet, req.Type, req.Recent, s.now())}},
		MaxTokens:     models.StoryMaxTokens,
	}, onChunk)
	if err != nil {
		logging.Warn("Story generation failed, falling back to templates", map[string]interface{}{
			"error": err.Error(),
		})
		return template(reasonExhausted), nil
	}
	s.consume(ctx, req.Account, res.Content)
	s.finished(models.KindStory, res)

	title, body := splitTitle(res.Content)
	if title == "" {
		title = s.templates.Title(req.Pet, req.Type)
	}
	return &models.GenerationResult{
		Title:     title,
		Content:   body,
		Provider:  res.Provider,
		Model:     res.Model,
		Kind:      models.KindStory,
		Variant:   string(req.Type),
		PetID:     req.Pet.ID,
		CreatedAt: s.now().UTC(),
	}, nil
}

// =====================================================
// Tributes
// =====================================================

// GenerateTribute returns a memorial tribute. Tributes are metered but not
// gated by tier. Unknown tribute types are rejected.
func (s *Service) GenerateTribute(ctx context.Context, req TributeRequest, onChunk generation.Emit) (*models.GenerationResult, error) {
	if !req.Type.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown tribute type %q", req.Type)
	}
	template := func(reason string) *models.GenerationResult {
		return s.fallback(models.KindTribute, reason, s.templates.Tribute(req.Pet, req.Type), onChunk)
	}

	if ok, reason := s.admit(ctx, req.Account, ""); !ok {
		return template(reason), nil
	}

	res, err := s.remote(ctx, models.GenerationRequest{
		Turns:     []models.Turn{{Role: models.RoleUser, Content: tributePrompt(req.Pet, req.Type, petContext(req.Pet, req.Journal, req.Memories))}},
		MaxTokens: req.Type.MaxTokens(),
	}, onChunk)
	if err != nil {
		logging.Warn("Tribute generation failed, falling back to templates", map[string]interface{}{
			"type":  string(req.Type),
			"error": err.Error(),
		})
		return template(reasonExhausted), nil
	}
	s.consume(ctx, req.Account, res.Content)
	s.finished(models.KindTribute, res)

	return &models.GenerationResult{
		Title:     "Remembering " + displayName(req.Pet),
		Content:   res.Content,
		Provider:  res.Provider,
		Model:     res.Model,
		Kind:      models.KindTribute,
		Variant:   string(req.Type),
		PetID:     req.Pet.ID,
		CreatedAt: s.now().UTC(),
	}, nil
}

// MemoryBook returns n imagined memories, five when n is not positive.
// The second return value reports whether the memories came from templates.
func (s *Service) MemoryBook(ctx context.Context, req TributeRequest, n int) ([]models.Memory, bool, error) {
	if n <= 0 {
		n = memoryBookLength
	}
	if ok, reason := s.admit(ctx, req.Account, ""); !ok {
		logging.Info("Using template memories", map[string]interface{}{"reason": reason})
		return s.templates.Memories(req.Pet, n), true, nil
	}

	res, err := s.remote(ctx, models.GenerationRequest{
		Turns:     []models.Turn{{Role: models.RoleUser, Content: memoryBookPrompt(req.Pet, n, petContext(req.Pet, req.Journal, req.Memories))}},
		MaxTokens: 1024,
	}, nil)
	if err != nil {
		logging.Warn("Memory book generation failed, falling back to templates", map[string]interface{}{
			"error": err.Error(),
		})
		return s.templates.Memories(req.Pet, n), true, nil
	}
	s.consume(ctx, req.Account, res.Content)
	s.finished(models.KindMemory, res)
	return parseMemories(res.Content, req.Pet), false, nil
}

// =====================================================
// Chat
// =====================================================

// Chat answers the conversation in the pet's voice. Running out of quota is
// an error here; provider exhaustion falls back to a template reply.
func (s *Service) Chat(ctx context.Context, req ChatRequest, onChunk generation.Emit) (*models.GenerationResult, error) {
	if len(req.Turns) == 0 {
		return nil, errors.New(errors.ErrInvalid, "conversation is empty")
	}
	if ok, _ := s.admit(ctx, req.Account, ""); !ok {
		return nil, errors.New(errors.ErrQuotaExceeded, "daily message limit reached")
	}

	res, err := s.remote(ctx, models.GenerationRequest{
		SystemFraming: chatFraming(req.Pet),
		Turns:         req.Turns,
		MaxTokens:     512,
	}, onChunk)
	if err != nil {
		logging.Warn("Chat generation failed, replying from templates", map[string]interface{}{
			"error": err.Error(),
		})
		return s.fallback(models.KindChat, reasonExhausted, s.templates.ChatReply(req.Pet, req.Turns), onChunk), nil
	}
	s.consume(ctx, req.Account, res.Content)
	s.finished(models.KindChat, res)
	return &models.GenerationResult{
		Content:   res.Content,
		Provider:  res.Provider,
		Model:     res.Model,
		Kind:      models.KindChat,
		PetID:     req.Pet.ID,
		CreatedAt: s.now().UTC(),
	}, nil
}

// =====================================================
// Saving
// =====================================================

// SaveStory stores a generated result for the account, directly when
// online and through the change queue otherwise. Saving the same result
// twice stores it once.
func (s *Service) SaveStory(ctx context.Context, account models.Account, r *models.GenerationResult) (*syncpkg.WriteResult, error) {
	if !account.Authenticated() {
		return nil, errors.New(errors.ErrPermission, "sign in to save stories")
	}
	if r == nil || r.Content == "" {
		return nil, errors.New(errors.ErrInvalid, "nothing to save")
	}
	if s.writer == nil {
		return nil, errors.New(errors.ErrInternal, "story storage not configured")
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	key := uuid.IdempotencyKey("story", account.UserID, string(r.Kind), r.Variant, r.PetID, created.UTC().Format(time.RFC3339Nano))
	row := remote.Row{
		"id":                     uuid.New(),
		"user_id":                account.UserID,
		"type":                   string(r.Kind),
		"variant":                r.Variant,
		"pet_id":                 r.PetID,
		"title":                  r.Title,
		"content":                r.Content,
		"provider":               r.Provider,
		"model":                  r.Model,
		"is_template_generated":  r.IsTemplateGenerated,
		"created_at":             created.UTC().Format(time.RFC3339Nano),
		remote.IdempotencyColumn: key,
	}

	res, err := s.writer.Write(ctx, remote.TableStories, models.OperationInsert, []syncpkg.Write{{Row: row, Key: key}})
	if err != nil {
		logging.Error("Failed to save story", err, map[string]interface{}{"user_id": account.UserID})
		return nil, err
	}
	return res, nil
}
