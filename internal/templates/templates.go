// Package templates is the offline content generator used when no remote
// provider can serve a request. Output depends only on the seed, the clock
// and the inputs; nothing here touches the network, the quota or the queue.
package templates

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/models"
)

// ProviderName labels template results in logs and metrics. Results
// themselves carry no provider.
const ProviderName = "template"

// Generator picks one template per slot uniformly at random.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the clock used for ages and timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator. The same seed and clock yield the same output
// for the same sequence of calls.
func New(seed uint64, opts ...Option) *Generator {
	g := &Generator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[g.rng.IntN(len(options))]
}

// vars builds the substitution table for one generation. Callers hold g.mu.
func (g *Generator) vars(pet models.Pet) *strings.Replacer {
	v := vocabularyFor(pet.Species)
	name := strings.TrimSpace(pet.Name)
	if name == "" {
		name = "Pet"
	}
	breed := pet.Breed
	if breed == "" {
		breed = v.breed
	}
	return strings.NewReplacer(
		"{name}", name,
		"{species}", v.species,
		"{breed}", breed,
		"{age}", ageDescription(pet.BirthDate, v, g.now()),
		"{bodyPart}", g.pick(v.bodyParts),
		"{sound}", g.pick(v.sounds),
		"{chaseTarget}", g.pick(v.chaseTargets),
		"{mysteryItem}", g.pick(v.mysteryItems),
		"{season}", g.pick(seasons),
	)
}

// Story builds a three-part story for pet. Unknown story types use the
// day-in-the-life pools. The most recent journal note, if any, is woven in
// before the ending.
func (g *Generator) Story(pet models.Pet, storyType models.StoryType, recent []models.JournalNote) models.GenerationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !storyType.Valid() {
		storyType = models.StoryDayInLife
	}
	parts := storyParts[storyType]
	r := g.vars(pet)

	paragraphs := []string{
		r.Replace(g.pick(parts.openings)),
		r.Replace(g.pick(parts.middles)),
	}
	if note := latestNote(recent); note != "" {
		paragraphs = append(paragraphs, r.Replace(fmt.Sprintf(g.pick(journalCallbacks), note)))
	}
	paragraphs = append(paragraphs, r.Replace(g.pick(parts.endings)))

	return models.GenerationResult{
		Title:               r.Replace(g.pick(storyTitles[storyType])),
		Content:             strings.Join(paragraphs, "\n\n"),
		IsTemplateGenerated: true,
		Kind:                models.KindStory,
		Variant:             string(storyType),
		PetID:               pet.ID,
		CreatedAt:           g.now().UTC(),
	}
}

// Tribute builds a memorial tribute no longer than the type's MaxLength.
// Unknown types produce a full tribute.
func (g *Generator) Tribute(pet models.Pet, tributeType models.TributeType) models.GenerationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !tributeType.Valid() {
		tributeType = models.TributeFull
	}
	r := g.vars(pet)

	var content string
	switch tributeType {
	case models.TributeFull:
		content = strings.Join([]string{
			r.Replace(g.pick(tributeOpenings)),
			r.Replace(g.pick(tributeMemories)),
			r.Replace(g.pick(tributeClosings)),
		}, "\n\n")
		if pet.MemorialMessage != "" {
			content += "\n\n\"" + pet.MemorialMessage + "\""
		}
	case models.TributePoem:
		content = r.Replace(g.pick(tributePoems))
	case models.TributeShort:
		content = r.Replace(g.pick(tributeShorts))
	case models.TributeCaption:
		content = r.Replace(g.pick(tributeCaptions))
	}

	return models.GenerationResult{
		Title:               r.Replace("Remembering {name}"),
		Content:             truncate(content, tributeType.MaxLength()),
		IsTemplateGenerated: true,
		Kind:                models.KindTribute,
		Variant:             string(tributeType),
		PetID:               pet.ID,
		CreatedAt:           g.now().UTC(),
	}
}

// ChatReply answers the last user turn in the pet's voice. A keyword in
// the message selects a topical pool; anything else gets a general reply.
func (g *Generator) ChatReply(pet models.Pet, turns []models.Turn) models.GenerationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.vars(pet)
	pool := chatGeneral
	if last := lastUserTurn(turns); last != "" {
		for _, topic := range chatTopics {
			if containsAny(last, topic.keywords) {
				pool = topic.replies
				break
			}
		}
	}

	return models.GenerationResult{
		Content:             r.Replace(g.pick(pool)),
		IsTemplateGenerated: true,
		Kind:                models.KindChat,
		PetID:               pet.ID,
		CreatedAt:           g.now().UTC(),
	}
}

// Memories builds n imagined memories for a memory book.
func (g *Generator) Memories(pet models.Pet, n int) []models.Memory {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.Memory, 0, n)
	for i := 0; i < n; i++ {
		r := g.vars(pet)
		season := g.pick(seasons)
		out = append(out, models.Memory{
			Title:   r.Replace(g.pick(memoryTitles)),
			Content: strings.ReplaceAll(r.Replace(g.pick(memoryContents)), "{memorySeason}", season),
			Season:  season,
			Mood:    g.pick(moods),
		})
	}
	return out
}

// Title returns a story title without generating a story.
func (g *Generator) Title(pet models.Pet, storyType models.StoryType) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !storyType.Valid() {
		storyType = models.StoryDayInLife
	}
	return g.vars(pet).Replace(g.pick(storyTitles[storyType]))
}

func ageDescription(birth *time.Time, v vocabulary, now time.Time) string {
	if birth == nil {
		return v.species
	}
	years := now.Sub(*birth).Hours() / (24 * 365.25)
	switch {
	case years < 1:
		return v.young
	case years < 3:
		return "young " + v.species
	case years < 7:
		return v.species
	default:
		return "wise old " + v.species
	}
}

func latestNote(notes []models.JournalNote) string {
	for _, n := range notes {
		if c := strings.TrimSpace(n.Content); c != "" {
			return truncate(strings.TrimRight(c, ".!? "), 120)
		}
	}
	return ""
}

func lastUserTurn(turns []models.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser {
			return strings.ToLower(turns[i].Content) + " "
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n runes, ending on a word boundary with an
// ellipsis when it has to cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	cut := string(runes[:n-1])
	if i := strings.LastIndexAny(cut, " \n"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:\n") + "…"
}
