// Package knowledge retrieves background text for call and SMS prompts.
//
// A [Retriever] turns a call objective into a block of formatted text that
// fits a fixed prompt budget. The default [Keyword] retriever scores
// paragraphs from a directory of plain-text files by word overlap with a
// phrase bonus; no model is involved. [SemanticIndex] offers pgvector-backed
// retrieval behind the same interface when an embeddings provider is
// configured.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// CharBudget caps the retrieved text handed to the prompt, roughly 2000
// tokens.
const CharBudget = 8000

// phraseBonus is added when a paragraph contains the whole objective phrase,
// not just its words.
const phraseBonus = 3

// Retriever turns a call objective into formatted background text. An empty
// string with a nil error means nothing relevant was found.
type Retriever interface {
	Retrieve(ctx context.Context, objective string) (string, error)
}

// passage is one scored unit of knowledge text.
type passage struct {
	source string
	text   string
	score  int
	order  int
}

// Keyword is the model-free retriever: paragraphs from a directory of
// .txt/.md files, scored by distinct-word overlap with the objective. It is
// safe for concurrent use; [Keyword.Reload] swaps the corpus atomically.
type Keyword struct {
	dir string

	mu       sync.RWMutex
	passages []passage
}

var _ Retriever = (*Keyword)(nil)

// NewKeyword loads all knowledge files under dir. A missing or empty
// directory yields a retriever that always returns nothing, which keeps
// callers free of nil checks.
func NewKeyword(dir string) (*Keyword, error) {
	k := &Keyword{dir: dir}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload re-reads the knowledge directory.
func (k *Keyword) Reload() error {
	if k.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("knowledge: read dir %q: %w", k.dir, err)
	}

	var passages []passage
	order := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(k.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("knowledge: read %q: %w", entry.Name(), err)
		}
		source := strings.TrimSuffix(entry.Name(), ext)
		for _, para := range splitParagraphs(string(data)) {
			passages = append(passages, passage{source: source, text: para, order: order})
			order++
		}
	}

	k.mu.Lock()
	k.passages = passages
	k.mu.Unlock()
	return nil
}

// Retrieve implements [Retriever]. Paragraphs are ranked by how many distinct
// objective words they contain, with a bonus for the whole phrase; the best
// ones are concatenated under their file headers until the budget is spent.
func (k *Keyword) Retrieve(ctx context.Context, objective string) (string, error) {
	words := queryWords(objective)
	if len(words) == 0 {
		return "", nil
	}
	phrase := strings.ToLower(strings.TrimSpace(objective))

	k.mu.RLock()
	passages := k.passages
	k.mu.RUnlock()

	scored := make([]passage, 0, len(passages))
	for _, p := range passages {
		lower := strings.ToLower(p.text)
		score := 0
		for w := range words {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if strings.Contains(lower, phrase) {
			score += phraseBonus
		}
		p.score = score
		scored = append(scored, p)
	}
	if len(scored) == 0 {
		return "", nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].order < scored[j].order
	})

	return format(scored, CharBudget), nil
}

// format concatenates passages grouped under their source header until the
// character budget is exhausted. A passage that would blow the budget is
// skipped, not truncated mid-sentence.
func format(passages []passage, budget int) string {
	var b strings.Builder
	lastSource := ""
	for _, p := range passages {
		needed := len(p.text) + 2
		if p.source != lastSource {
			needed += len(p.source) + 6
		}
		if b.Len()+needed > budget {
			continue
		}
		if p.source != lastSource {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("## " + p.source + "\n\n")
			lastSource = p.source
		}
		b.WriteString(p.text + "\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitParagraphs breaks file content on blank lines, dropping whitespace-only
// blocks.
func splitParagraphs(content string) []string {
	blocks := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	var out []string
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}

// queryWords extracts the distinct lowercase words of at least three letters
// from the objective. Short words carry no signal and only inflate scores.
func queryWords(objective string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(objective), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			words[w] = struct{}{}
		}
	}
	return words
}

// None is the retriever used when no knowledge directory is configured.
type None struct{}

var _ Retriever = None{}

// Retrieve always returns nothing.
func (None) Retrieve(ctx context.Context, objective string) (string, error) {
	return "", nil
}
