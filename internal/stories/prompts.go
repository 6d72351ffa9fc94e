package stories

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/stories/themes"
)

const storytellerFraming = "You are a creative storyteller writing short, warm, family-friendly stories about beloved pets."

var storyBriefs = map[models.StoryType]string{
	models.StoryAdventure:  "an exciting but safe outdoor adventure with exploration, discovery and a small challenge overcome",
	models.StoryDayInLife:  "a cozy slice-of-life day at home with naps, meals, playtime and family moments",
	models.StoryFriendship: "a heartwarming friendship with another pet, a child or their owner",
	models.StoryMystery:    "a light, playful mystery at home or in the neighborhood solved with keen senses",
	models.StoryComedy:     "a funny, wholesome tale of playful mishaps and silly behavior",
}

func displayName(p models.Pet) string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	return "the pet"
}

func speciesOf(p models.Pet) string {
	if p.Species == "" || p.Species == "other" {
		return "pet"
	}
	return p.Species
}

func ageOf(p models.Pet, now time.Time) string {
	if p.BirthDate == nil {
		return ""
	}
	years := now.Sub(*p.BirthDate).Hours() / (24 * 365.25)
	switch {
	case years < 1:
		return "very young"
	case years < 3:
		return "young and energetic"
	case years < 7:
		return "adult"
	default:
		return "senior"
	}
}

func storyPrompt(p models.Pet, t models.StoryType, recent []models.JournalNote, now time.Time) string {
	var b strings.Builder
	b.WriteString("Pet details:\n")
	fmt.Fprintf(&b, "- Name: %s\n", displayName(p))
	fmt.Fprintf(&b, "- Species: %s\n", speciesOf(p))
	if p.Breed != "" {
		fmt.Fprintf(&b, "- Breed: %s\n", p.Breed)
	}
	if age := ageOf(p, now); age != "" {
		fmt.Fprintf(&b, "- Age: %s\n", age)
	}
	if p.Bio != "" {
		fmt.Fprintf(&b, "- Personality: %s\n", p.Bio)
	}
	if notes := joinNotes(recent, 3, 300); notes != "" {
		fmt.Fprintf(&b, "- Recent notes: %s\n", notes)
	}
	fmt.Fprintf(&b, "\nWrite a story about %s: %s.\n", displayName(p), storyBriefs[t])
	b.WriteString("Keep it between 300 and 500 words, use the pet's name throughout and end on a positive note.\n")
	b.WriteString("Put a creative title on the first line by itself, followed by the story.")
	return b.String()
}

func joinNotes(notes []models.JournalNote, n, maxLen int) string {
	parts := make([]string, 0, n)
	for _, note := range notes {
		if len(parts) == n {
			break
		}
		if c := strings.TrimSpace(note.Content); c != "" {
			parts = append(parts, c)
		}
	}
	s := strings.Join(parts, " ")
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen])
	}
	return s
}

// petContext summarises a pet's life for tribute prompts.
func petContext(p models.Pet, journal []models.JournalNote, memories []models.Memory) string {
	var parts []string
	if p.BirthDate != nil && p.DeceasedAt != nil {
		from, to := p.BirthDate.Year(), p.DeceasedAt.Year()
		years := to - from
		unit := "years"
		if years == 1 {
			unit = "year"
		}
		parts = append(parts, fmt.Sprintf("They lived %d wonderful %s (%d-%d)", years, unit, from, to))
	}
	if len(p.PersonalityTraits) > 0 {
		parts = append(parts, "They were known for being "+strings.Join(p.PersonalityTraits, ", "))
	}
	if p.Quirks != "" {
		parts = append(parts, "Their lovable quirks included: "+p.Quirks)
	}
	if notes := joinNotes(journal, 5, 500); notes != "" {
		parts = append(parts, "Some memories recorded about them: "+notes)
	}
	if t := journalThemes(p, journal); len(t) > 0 {
		parts = append(parts, "Recurring themes in their journal: "+strings.Join(t, ", "))
	}
	if len(memories) > 0 {
		titles := make([]string, 0, 3)
		for _, m := range memories[:min(3, len(memories))] {
			titles = append(titles, m.Title)
		}
		parts = append(parts, "Special moments include: "+strings.Join(titles, ", "))
	}
	if p.MemorialMessage != "" {
		parts = append(parts, fmt.Sprintf("Their memorial message: %q", p.MemorialMessage))
	}
	return strings.Join(parts, ". ")
}

func describe(p models.Pet) string {
	s := fmt.Sprintf("%s, a beloved %s", displayName(p), speciesOf(p))
	if p.Breed != "" {
		s += " (" + p.Breed + ")"
	}
	return s
}

func tributePrompt(p models.Pet, t models.TributeType, summary string) string {
	pet := describe(p)
	switch t {
	case models.TributeShort:
		return fmt.Sprintf("Write a brief, heartfelt tribute of at most 280 characters for %s who passed away. %s. Make it emotional but uplifting and suitable for social media.", pet, summary)
	case models.TributePoem:
		return fmt.Sprintf("Write a touching memorial poem for %s. %s.\nThe poem should be 12 to 20 lines with a gentle rhythm, celebrate their life and offer comfort to those grieving.", pet, summary)
	case models.TributeCaption:
		return fmt.Sprintf("Write a brief, touching photo caption of at most 150 characters for a cherished memory of %s. %s.", pet, summary)
	default:
		return fmt.Sprintf("Write a detailed memorial tribute for %s. %s.\nOpen by capturing their spirit, share cherished memories and personality, describe what they meant to their family and close with a comforting message.", pet, summary)
	}
}

func memoryBookPrompt(p models.Pet, n int, summary string) string {
	return fmt.Sprintf(`Create %d heartwarming, imagined memories for %s. %s
Return ONLY a JSON array of objects with the fields "title" (at most 50 characters), "content" (2-3 sentences), "season" (spring, summer, fall or winter) and "mood" (joyful, peaceful, playful or tender).`, n, describe(p), summary)
}

func chatFraming(p models.Pet) string {
	return fmt.Sprintf("You are %s. Reply to your human in your own voice: short, warm and playful, as a %s would.", describe(p), speciesOf(p))
}

// splitTitle separates a leading title line from the story body. When the
// text is a single paragraph there is no title.
func splitTitle(text string) (string, string) {
	text = strings.TrimSpace(text)
	first, rest, ok := strings.Cut(text, "\n")
	if !ok {
		return "", text
	}
	title := strings.TrimSpace(strings.TrimLeft(first, "#* "))
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	title = strings.Trim(title, "*\"")
	if title == "" {
		return "", strings.TrimSpace(rest)
	}
	return title, strings.TrimSpace(rest)
}

// parseMemories extracts the JSON array from a provider reply. Anything
// unparseable becomes a single memory holding the start of the reply.
func parseMemories(text string, p models.Pet) []models.Memory {
	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		var out []models.Memory
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && len(out) > 0 {
			return out
		}
	}
	content := []rune(strings.TrimSpace(text))
	return []models.Memory{{
		Title:   "Remembering " + displayName(p),
		Content: string(content[:min(200, len(content))]),
		Season:  "spring",
		Mood:    "tender",
	}}
}

// minThemeNotes is the journal length below which themes add nothing the
// quoted notes do not already say.
const minThemeNotes = 3

func journalThemes(p models.Pet, journal []models.JournalNote) []string {
	if len(journal) < minThemeNotes {
		return nil
	}
	texts := make([]string, 0, len(journal))
	for _, n := range journal {
		texts = append(texts, n.Content)
	}
	return themes.New(themes.WithIgnore(p.Name, p.Breed, p.Species)).Extract(texts...)
}
