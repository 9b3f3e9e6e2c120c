package workflow

import "strings"

// DefaultTemplate is the generic analysis workflow used when no trigger
// matches the prompt. The shipped config always defines it.
const DefaultTemplate = "analysis"

// Infer picks a template for a prompt by counting trigger keyword hits,
// mirroring the classifier's deterministic keyword approach. Ties resolve
// toward the lexicographically first template name; zero hits fall back to
// DefaultTemplate.
func (b *Builder) Infer(prompt string) string {
	lower := strings.ToLower(prompt)
	best, bestHits := "", 0
	for _, name := range b.templates.Names() {
		entry, ok := b.templates.Get(name)
		if !ok {
			continue
		}
		hits := 0
		for _, trig := range entry.Template.Triggers {
			if trig != "" && strings.Contains(lower, trig) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = name, hits
		}
	}
	if best == "" {
		return DefaultTemplate
	}
	return best
}
