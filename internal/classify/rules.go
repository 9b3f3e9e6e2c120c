package classify

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nervelab/baran/internal/models"
)

// Rules is the externalized rule data the classifier compiles. Families are
// evaluated in order from most to least severe; keyword lists drive the
// task-type argmax; TiePriority breaks equal keyword counts.
type Rules struct {
	Families    []FamilyRule      `yaml:"families"`
	TaskTypes   []TaskTypeRule    `yaml:"task_types"`
	Length      LengthSignals     `yaml:"length"`
	TiePriority []models.TaskType `yaml:"tie_priority"`
}

// FamilyRule is one named pattern family pinned to a complexity level.
// Patterns are case-insensitive regular expressions.
type FamilyRule struct {
	Name     string   `yaml:"name"`
	Level    string   `yaml:"level"`
	Patterns []string `yaml:"patterns"`
}

// TaskTypeRule lists the keywords counted for one task type.
type TaskTypeRule struct {
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
}

// LengthSignals are the structural fallbacks applied when no family fires
// strongly: long prompts and multi-part questions read as harder work.
type LengthSignals struct {
	ModerateWords     int `yaml:"moderate_words"`
	ComplexWords      int `yaml:"complex_words"`
	QuestionThreshold int `yaml:"question_threshold"`
}

// LoadRules reads a rule file with strict field checking so typos in rule
// data fail at load time rather than silently classifying everything as
// (simple, general).
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read classifier rules %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var r Rules
	if err := dec.Decode(&r); err != nil {
		return Rules{}, fmt.Errorf("parse classifier rules %s: %w", path, err)
	}
	return r, nil
}

// DefaultRules returns the built-in rule set used when no rules file is
// configured. The numbers and word lists are seed values; operators tune
// them through the rules file without touching code.
func DefaultRules() Rules {
	return Rules{
		Families: []FamilyRule{
			{
				Name:  "formal-math",
				Level: "expert",
				Patterns: []string{
					`\bprove\b`, `\bproof\b`, `\btheorem\b`, `\blemma\b`,
					`\bconjecture\b`, `\baxiom\b`, `\bby induction\b`,
					`\birrational\b`, `\bnp[- ]?(hard|complete)\b`,
					`\bformal(ly)? verif(y|ied|ication)\b`, `\bcomplexity class\b`,
					`\bgradient descent\b.*\bconvergence\b`,
				},
			},
			{
				Name:  "engineering",
				Level: "complex",
				Patterns: []string{
					`\barchitect(ure|ural)?\b`, `\bdistributed\b`, `\bconcurren(t|cy)\b`,
					`\bfault[- ]toleran(t|ce)\b`, `\bscalab(le|ility)\b`,
					`\brace condition\b`, `\bdeadlock\b`, `\btrade[- ]?offs?\b`,
					`\boptimi[sz]e\b`, `\brefactor\b`, `\bmigrat(e|ion)\b`,
					`\bdesign (a|an|the)\b`,
				},
			},
			{
				Name:  "technical",
				Level: "moderate",
				Patterns: []string{
					`\balgorithms?\b`, `\bdatabases?\b`, `\bapis?\b`, `\bcompilers?\b`,
					`\bprotocols?\b`, `\bencryption\b`, `\bregex(p|es)?\b`,
					`\bkubernetes\b`, `\bregressions?\b`, `\bstatistic(s|al)\b`,
					`\bquery\b`, `\bschema\b`,
				},
			},
		},
		TaskTypes: []TaskTypeRule{
			{
				Type: "research",
				Keywords: []string{
					"research", "investigate", "find out", "sources", "literature",
					"survey", "state of the art", "look up", "gather information",
					"latest developments",
				},
			},
			{
				Type: "reasoning",
				Keywords: []string{
					"prove", "proof", "theorem", "logic", "logical", "deduce",
					"derive", "infer", "why does", "step by step", "irrational",
					"paradox", "contradiction", "reason about",
				},
			},
			{
				Type: "coding",
				Keywords: []string{
					"code", "coding", "implement", "function", "debug", "bug",
					"compile", "script", "program", "refactor", "unit test",
					"stack trace", "golang", "python",
				},
			},
			{
				Type: "creative",
				Keywords: []string{
					"story", "poem", "creative", "imagine", "fiction", "brainstorm",
					"slogan", "haiku", "lyrics", "screenplay",
				},
			},
			{
				Type: "analysis",
				Keywords: []string{
					"analyze", "analysis", "compare", "evaluate", "assess",
					"pros and cons", "break down", "interpret", "trends",
				},
			},
			{
				Type: "multimodal",
				Keywords: []string{
					"image", "picture", "photo", "diagram", "screenshot", "chart",
					"video", "audio",
				},
			},
		},
		Length: LengthSignals{
			ModerateWords:     40,
			ComplexWords:      120,
			QuestionThreshold: 3,
		},
		TiePriority: []models.TaskType{
			models.TaskTypeReasoning,
			models.TaskTypeCoding,
			models.TaskTypeCreative,
			models.TaskTypeResearch,
			models.TaskTypeAnalysis,
			models.TaskTypeMultimodal,
			models.TaskTypeGeneral,
		},
	}
}
