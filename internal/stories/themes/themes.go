// Package themes finds the recurring themes in a pet's journal with
// TextRank (Mihalcea & Tarau, 2004): words become graph nodes, words that
// appear near each other are linked, and PageRank scores the nodes.
package themes

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Extractor ranks journal words by co-occurrence centrality.
type Extractor struct {
	// window is the co-occurrence distance in candidate words.
	window        int
	damping       float64
	convergence   float64
	maxIterations int
	limit         int
	// ignore holds extra words to drop, such as the pet's own name.
	ignore map[string]bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithWindow sets how many neighbouring candidates a word links to.
func WithWindow(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithLimit sets the number of themes returned.
func WithLimit(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithIgnore drops the given words (case-insensitive) from the results.
func WithIgnore(words ...string) Option {
	return func(e *Extractor) {
		for _, w := range words {
			for _, part := range wordRe.FindAllString(strings.ToLower(w), -1) {
				e.ignore[part] = true
			}
		}
	}
}

// New returns an Extractor with a window of 3 and a limit of 5.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		window:        3,
		damping:       0.85,
		convergence:   0.0001,
		maxIterations: 100,
		limit:         5,
		ignore:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}']+`)

// Extract returns up to the configured limit of themes from the notes,
// highest ranked first. Ties break alphabetically so output is stable.
func (e *Extractor) Extract(notes ...string) []string {
	var words []string
	for _, n := range notes {
		for _, w := range wordRe.FindAllString(strings.ToLower(n), -1) {
			w = strings.Trim(w, "'")
			if len([]rune(w)) < 3 || stopWords[w] || e.ignore[w] || isNumber(w) {
				continue
			}
			words = append(words, w)
		}
		// A sentinel keeps separate notes from linking across the boundary.
		words = append(words, "")
	}

	g := e.graph(words)
	if len(g) == 0 {
		return []string{}
	}
	return e.top(e.rank(g))
}

type graph map[string]map[string]struct{}

func (e *Extractor) graph(words []string) graph {
	g := make(graph)
	for i, w := range words {
		if w == "" {
			continue
		}
		if g[w] == nil {
			g[w] = make(map[string]struct{})
		}
		for j := i + 1; j < len(words) && j <= i+e.window; j++ {
			o := words[j]
			if o == "" {
				break
			}
			if o == w {
				continue
			}
			if g[o] == nil {
				g[o] = make(map[string]struct{})
			}
			g[w][o] = struct{}{}
			g[o][w] = struct{}{}
		}
	}
	return g
}

func (e *Extractor) rank(g graph) map[string]float64 {
	n := float64(len(g))
	scores := make(map[string]float64, len(g))
	for node := range g {
		scores[node] = 1 / n
	}

	for iter := 0; iter < e.maxIterations; iter++ {
		next := make(map[string]float64, len(g))
		maxChange := 0.0
		for node, neighbours := range g {
			sum := 0.0
			for nb := range neighbours {
				if d := len(g[nb]); d > 0 {
					sum += scores[nb] / float64(d)
				}
			}
			s := (1-e.damping)/n + e.damping*sum
			next[node] = s
			maxChange = math.Max(maxChange, math.Abs(s-scores[node]))
		}
		scores = next
		if maxChange < e.convergence {
			break
		}
	}
	return scores
}

func (e *Extractor) top(scores map[string]float64) []string {
	words := make([]string, 0, len(scores))
	for w := range scores {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		si, sj := scores[words[i]], scores[words[j]]
		if math.Abs(si-sj) > 1e-12 {
			return si > sj
		}
		return words[i] < words[j]
	})
	if len(words) > e.limit {
		words = words[:e.limit]
	}
	return words
}

func isNumber(w string) bool {
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var stopWords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		the and are was were for from has had have her his its that this these those
		they them their then there with will would could should can about into through
		during before after again once here when where why how all each every both few
		more most other some such nor not only own same than too very just but what
		who which you your our ours she him today yesterday tomorrow really got get
		getting went did does done been being also today's it's he's she's i'm we're
		day days morning afternoon evening night time just like much many lot`) {
		m[w] = true
	}
	return m
}()
