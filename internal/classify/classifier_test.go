package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nervelab/baran/internal/models"
)

func mustClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultRules())
	if err != nil {
		t.Fatalf("compile default rules: %v", err)
	}
	return c
}

func TestClassifyProofPrompt(t *testing.T) {
	c := mustClassifier(t)
	res := c.Classify("Prove that the square root of 2 is irrational")
	if res.Complexity != models.ComplexityExpert {
		t.Fatalf("expected expert complexity, got %s", res.Complexity)
	}
	if res.TaskType != models.TaskTypeReasoning {
		t.Fatalf("expected reasoning task type, got %s", res.TaskType)
	}
	if res.Defaulted {
		t.Fatalf("proof prompt should not be a defaulted classification")
	}
}

func TestClassifyDefault(t *testing.T) {
	c := mustClassifier(t)
	res := c.Classify("hello there")
	if res.Complexity != models.ComplexitySimple || res.TaskType != models.TaskTypeGeneral {
		t.Fatalf("expected (simple, general), got (%s, %s)", res.Complexity, res.TaskType)
	}
	if !res.Defaulted {
		t.Fatalf("expected Defaulted to be set when nothing matches")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := mustClassifier(t)
	prompt := "Refactor the payment service and explain the trade-offs"
	first := c.Classify(prompt)
	for i := 0; i < 50; i++ {
		if got := c.Classify(prompt); got != first {
			t.Fatalf("classification drifted on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestClassifyHighestTierWins(t *testing.T) {
	c := mustClassifier(t)
	// Contains technical (moderate) and formal-math (expert) markers; the
	// more severe family must win.
	res := c.Classify("Using the algorithm above, prove the theorem holds for every database schema")
	if res.Complexity != models.ComplexityExpert {
		t.Fatalf("expected expert, got %s (matched %q)", res.Complexity, res.Matched)
	}
	if res.Matched != "formal-math" {
		t.Fatalf("expected formal-math family, got %q", res.Matched)
	}
}

func TestClassifyTieBreakPriority(t *testing.T) {
	c := mustClassifier(t)
	// One reasoning hit ("prove") and one coding hit ("function"): the tie
	// priority order puts reasoning first.
	res := c.Classify("prove this function terminates")
	if res.TaskType != models.TaskTypeReasoning {
		t.Fatalf("expected reasoning on tie, got %s", res.TaskType)
	}
}

func TestClassifyStructuralSignals(t *testing.T) {
	c := mustClassifier(t)

	long := strings.Repeat("please summarize the quarterly town meeting notes ", 10)
	if res := c.Classify(long); res.Complexity != models.ComplexityModerate {
		t.Fatalf("long prompt: expected moderate, got %s", res.Complexity)
	}

	fenced := "what does this do\n```\nfor i := range xs { sum += xs[i] }\n```"
	if res := c.Classify(fenced); res.Complexity < models.ComplexityModerate {
		t.Fatalf("code fence: expected at least moderate, got %s", res.Complexity)
	}

	questions := "Who was there? What was decided? When does it start?"
	if res := c.Classify(questions); res.Complexity != models.ComplexityModerate {
		t.Fatalf("multi-question: expected moderate, got %s", res.Complexity)
	}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name  string
		rules Rules
	}{
		{"no families", Rules{}},
		{"bad level", Rules{Families: []FamilyRule{{Name: "f", Level: "severe", Patterns: []string{"x"}}}}},
		{"empty patterns", Rules{Families: []FamilyRule{{Name: "f", Level: "simple"}}}},
		{"bad pattern", Rules{Families: []FamilyRule{{Name: "f", Level: "simple", Patterns: []string{"("}}}}},
		{"unknown task type", Rules{
			Families:  []FamilyRule{{Name: "f", Level: "simple", Patterns: []string{"x"}}},
			TaskTypes: []TaskTypeRule{{Type: "wizardry", Keywords: []string{"spell"}}},
		}},
		{"missing tie priority", Rules{
			Families:  []FamilyRule{{Name: "f", Level: "simple", Patterns: []string{"x"}}},
			TaskTypes: []TaskTypeRule{{Type: "coding", Keywords: []string{"code"}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.rules); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "rules.yaml")
	data := `families:
  - name: quick
    level: moderate
    patterns: ["\\bquick\\b"]
task_types:
  - type: coding
    keywords: ["code"]
length:
  moderate_words: 40
tie_priority: [coding, general]
`
	if err := os.WriteFile(good, []byte(data), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := LoadRules(good)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	c, err := New(rules)
	if err != nil {
		t.Fatalf("compile loaded rules: %v", err)
	}
	if res := c.Classify("a quick check"); res.Complexity != models.ComplexityModerate {
		t.Fatalf("expected moderate from loaded family, got %s", res.Complexity)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("familys: []\n"), 0o644); err != nil {
		t.Fatalf("write bad rules: %v", err)
	}
	if _, err := LoadRules(bad); err == nil {
		t.Fatalf("expected strict decode to reject unknown field")
	}
}
