// Package classify derives a (complexity, task type) pair from raw prompt
// text. Classification is a pure function over a compiled rule set: no I/O,
// no shared state, repeated calls always agree.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nervelab/baran/internal/models"
)

// Result is the outcome of classifying one prompt. Defaulted marks the safe
// fallback taken when nothing matched; it is not an error.
type Result struct {
	Complexity models.ComplexityLevel `json:"complexity"`
	TaskType   models.TaskType        `json:"task_type"`
	Matched    string                 `json:"matched,omitempty"`
	Defaulted  bool                   `json:"defaulted"`
}

// Classifier evaluates prompts against a compiled rule set. Construct with
// New; the compiled form is read-only and safe for concurrent use.
type Classifier struct {
	families []compiledFamily
	types    []compiledTypeRule
	priority map[models.TaskType]int
	length   LengthSignals
}

type compiledFamily struct {
	name     string
	level    models.ComplexityLevel
	patterns []*regexp.Regexp
}

type compiledTypeRule struct {
	taskType models.TaskType
	keywords []string
}

// New compiles a rule set. Invalid levels, unknown task types, and
// malformed patterns are rejected here so Classify can never fail.
func New(rules Rules) (*Classifier, error) {
	if len(rules.Families) == 0 {
		return nil, fmt.Errorf("classifier rules: no complexity families defined")
	}
	c := &Classifier{
		priority: make(map[models.TaskType]int, len(rules.TiePriority)),
		length:   rules.Length,
	}
	for _, fam := range rules.Families {
		level, err := models.ParseComplexityLevel(fam.Level)
		if err != nil {
			return nil, fmt.Errorf("classifier rules: family %q: %w", fam.Name, err)
		}
		if len(fam.Patterns) == 0 {
			return nil, fmt.Errorf("classifier rules: family %q has no patterns", fam.Name)
		}
		cf := compiledFamily{name: fam.Name, level: level}
		for _, p := range fam.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("classifier rules: family %q pattern %q: %w", fam.Name, p, err)
			}
			cf.patterns = append(cf.patterns, re)
		}
		c.families = append(c.families, cf)
	}
	for _, tr := range rules.TaskTypes {
		tt := models.TaskType(tr.Type)
		if !models.IsKnownTaskType(tt) {
			return nil, fmt.Errorf("classifier rules: unknown task type %q", tr.Type)
		}
		kws := make([]string, 0, len(tr.Keywords))
		for _, kw := range tr.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		c.types = append(c.types, compiledTypeRule{taskType: tt, keywords: kws})
	}
	for i, tt := range rules.TiePriority {
		if !models.IsKnownTaskType(tt) {
			return nil, fmt.Errorf("classifier rules: tie priority lists unknown task type %q", tt)
		}
		c.priority[tt] = i
	}
	for _, tr := range c.types {
		if _, ok := c.priority[tr.taskType]; !ok {
			return nil, fmt.Errorf("classifier rules: task type %q missing from tie priority", tr.taskType)
		}
	}
	return c, nil
}

// Classify maps prompt text to a complexity level and task type. The
// highest matching complexity tier wins so difficulty is never
// under-estimated; task type is the keyword-hit argmax with ties broken by
// the configured priority order. With no matches at all the result is
// (simple, general) and Defaulted is set.
func (c *Classifier) Classify(prompt string) Result {
	lower := strings.ToLower(prompt)

	level := models.ComplexitySimple
	matched := ""
	for _, fam := range c.families {
		if matched != "" && fam.level <= level {
			continue
		}
		for _, re := range fam.patterns {
			if re.MatchString(prompt) {
				level = fam.level
				matched = fam.name
				break
			}
		}
	}

	if structural, ok := c.structuralLevel(prompt, lower); ok && structural > level {
		level = structural
		matched = "length/structure"
	}

	taskType, hits := c.scoreTaskType(lower)

	defaulted := matched == "" && hits == 0
	return Result{
		Complexity: level,
		TaskType:   taskType,
		Matched:    matched,
		Defaulted:  defaulted,
	}
}

// structuralLevel applies the length/structure signals: long prompts, code
// fences, and multi-question prompts all raise the floor.
func (c *Classifier) structuralLevel(prompt, lower string) (models.ComplexityLevel, bool) {
	words := len(strings.Fields(lower))
	level := models.ComplexitySimple
	hit := false
	if c.length.ComplexWords > 0 && words >= c.length.ComplexWords {
		level = models.ComplexityComplex
		hit = true
	} else if c.length.ModerateWords > 0 && words >= c.length.ModerateWords {
		level = models.ComplexityModerate
		hit = true
	}
	if strings.Contains(prompt, "```") && level < models.ComplexityModerate {
		level = models.ComplexityModerate
		hit = true
	}
	if c.length.QuestionThreshold > 0 && strings.Count(prompt, "?") >= c.length.QuestionThreshold &&
		level < models.ComplexityModerate {
		level = models.ComplexityModerate
		hit = true
	}
	return level, hit
}

func (c *Classifier) scoreTaskType(lower string) (models.TaskType, int) {
	best := models.TaskTypeGeneral
	bestHits := 0
	for _, tr := range c.types {
		hits := 0
		for _, kw := range tr.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		switch {
		case hits > bestHits:
			best = tr.taskType
			bestHits = hits
		case hits == bestHits && c.priority[tr.taskType] < c.priority[best]:
			best = tr.taskType
		}
	}
	return best, bestHits
}
