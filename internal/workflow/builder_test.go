package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelab/baran/internal/models"
)

func chainTemplate() *Template {
	return &Template{
		Name:     "pipeline",
		Sequence: []models.TaskType{models.TaskTypeResearch, models.TaskTypeCoding, models.TaskTypeReasoning, models.TaskTypeGeneral},
		Dependencies: map[models.TaskType][]models.TaskType{
			models.TaskTypeCoding:    {models.TaskTypeResearch},
			models.TaskTypeReasoning: {models.TaskTypeCoding},
			models.TaskTypeGeneral:   {models.TaskTypeReasoning},
		},
	}
}

func fanoutTemplate() *Template {
	return &Template{
		Name:     "fanout",
		Sequence: []models.TaskType{models.TaskTypeResearch, models.TaskTypeCoding, models.TaskTypeCreative, models.TaskTypeAnalysis},
		Dependencies: map[models.TaskType][]models.TaskType{
			models.TaskTypeCoding:   {models.TaskTypeResearch},
			models.TaskTypeCreative: {models.TaskTypeResearch},
			models.TaskTypeAnalysis: {models.TaskTypeCoding, models.TaskTypeCreative},
		},
		ParallelGroups: [][]models.TaskType{{models.TaskTypeCoding, models.TaskTypeCreative}},
	}
}

func newTestBuilder(t *testing.T, tpls ...*Template) *Builder {
	t.Helper()
	reg := NewRegistry(nil)
	for _, tpl := range tpls {
		require.NoError(t, reg.Register(tpl))
	}
	return NewBuilder(reg, nil)
}

func TestBuildChainProducesSingleChain(t *testing.T) {
	b := newTestBuilder(t, chainTemplate())
	plan, err := b.Build(BuildInput{Template: "pipeline", Prompt: "Ship a rate limiter"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4)
	assert.Equal(t, "pipeline", plan.Template)
	assert.False(t, plan.Inferred)

	wantTypes := []models.TaskType{models.TaskTypeResearch, models.TaskTypeCoding, models.TaskTypeReasoning, models.TaskTypeGeneral}
	for i, task := range plan.Tasks {
		assert.Equal(t, wantTypes[i], task.Type)
		assert.Empty(t, task.ParallelGroup, "a pure chain has no parallel groups")
		assert.Contains(t, task.Prompt, "Ship a rate limiter")
		assert.Equal(t, "Ship a rate limiter", task.Context["source_prompt"])
	}

	assert.Empty(t, plan.Tasks[0].DependsOn)
	assert.Equal(t, models.TaskStateReady, plan.Tasks[0].State)
	for i := 1; i < 4; i++ {
		require.Equal(t, []string{plan.Tasks[i-1].ID}, plan.Tasks[i].DependsOn)
		assert.Equal(t, models.TaskStatePending, plan.Tasks[i].State)
	}
}

func TestBuildParallelGroupTagging(t *testing.T) {
	b := newTestBuilder(t, fanoutTemplate())
	plan, err := b.Build(BuildInput{Template: "fanout", Prompt: "Compare the options"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4)

	research, coding, creative, analysis := plan.Tasks[0], plan.Tasks[1], plan.Tasks[2], plan.Tasks[3]
	assert.Empty(t, research.ParallelGroup)
	assert.Empty(t, analysis.ParallelGroup)
	require.NotEmpty(t, coding.ParallelGroup)
	assert.Equal(t, coding.ParallelGroup, creative.ParallelGroup)

	assert.Equal(t, []string{research.ID}, coding.DependsOn)
	assert.Equal(t, []string{research.ID}, creative.DependsOn)
	assert.ElementsMatch(t, []string{coding.ID, creative.ID}, analysis.DependsOn)
}

func TestBuildDependenciesOnlyPointBackwards(t *testing.T) {
	// A prerequisite declared ahead of its first instance resolves to
	// nothing rather than creating a forward edge.
	tangled := &Template{
		Name:     "tangled",
		Sequence: []models.TaskType{models.TaskTypeResearch, models.TaskTypeCoding},
		Dependencies: map[models.TaskType][]models.TaskType{
			models.TaskTypeResearch: {models.TaskTypeCoding},
			models.TaskTypeCoding:   {models.TaskTypeResearch},
		},
	}
	b := newTestBuilder(t, tangled)
	plan, err := b.Build(BuildInput{Template: "tangled", Prompt: "p"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)

	assert.Empty(t, plan.Tasks[0].DependsOn)
	assert.Equal(t, []string{plan.Tasks[0].ID}, plan.Tasks[1].DependsOn)
	assertTopological(t, plan.Tasks)
}

func TestBuildRepeatedTypeBindsEveryEarlierInstance(t *testing.T) {
	tpl := &Template{
		Name:     "double-research",
		Sequence: []models.TaskType{models.TaskTypeResearch, models.TaskTypeResearch, models.TaskTypeGeneral},
		Dependencies: map[models.TaskType][]models.TaskType{
			models.TaskTypeGeneral: {models.TaskTypeResearch},
		},
	}
	b := newTestBuilder(t, tpl)
	plan, err := b.Build(BuildInput{Template: "double-research", Prompt: "p"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 3)
	assert.ElementsMatch(t, []string{plan.Tasks[0].ID, plan.Tasks[1].ID}, plan.Tasks[2].DependsOn)
}

func TestBuildStructuralRoundTrip(t *testing.T) {
	b := newTestBuilder(t, fanoutTemplate())
	first, err := b.Build(BuildInput{Template: "fanout", Prompt: "same prompt"})
	require.NoError(t, err)
	second, err := b.Build(BuildInput{Template: "fanout", Prompt: "same prompt"})
	require.NoError(t, err)

	require.Equal(t, len(first.Tasks), len(second.Tasks))
	for i := range first.Tasks {
		assert.Equal(t, first.Tasks[i].Type, second.Tasks[i].Type)
		assert.Equal(t, depPositions(first.Tasks, i), depPositions(second.Tasks, i))
		assert.NotEqual(t, first.Tasks[i].ID, second.Tasks[i].ID, "ids must be fresh per build")
	}
}

func TestBuildUnknownTemplateFailsFast(t *testing.T) {
	b := newTestBuilder(t, chainTemplate())
	_, err := b.Build(BuildInput{Template: "nope", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
	assert.Contains(t, err.Error(), "nope")
}

func TestBuildEmptySequenceYieldsNoTasks(t *testing.T) {
	b := newTestBuilder(t, &Template{Name: "noop"})
	plan, err := b.Build(BuildInput{Template: "noop", Prompt: "p"})
	require.NoError(t, err)
	assert.Empty(t, plan.Tasks)
}

func TestBuildInfersTemplateFromTriggers(t *testing.T) {
	analysis := &Template{Name: DefaultTemplate, Sequence: []models.TaskType{models.TaskTypeAnalysis}}
	pipeline := chainTemplate()
	pipeline.Triggers = []string{"implement", "build", "ship"}
	review := &Template{
		Name:     "review",
		Sequence: []models.TaskType{models.TaskTypeCoding, models.TaskTypeAnalysis},
		Triggers: []string{"review"},
	}
	b := newTestBuilder(t, analysis, pipeline, review)

	plan, err := b.Build(BuildInput{Prompt: "Please build and ship the importer"})
	require.NoError(t, err)
	assert.Equal(t, "pipeline", plan.Template)
	assert.True(t, plan.Inferred)

	plan, err = b.Build(BuildInput{Prompt: "what is the weather like"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplate, plan.Template, "no trigger hit falls back to the default")
	assert.True(t, plan.Inferred)
}

func TestInferTieBreaksByTemplateName(t *testing.T) {
	alpha := &Template{Name: "alpha", Sequence: []models.TaskType{models.TaskTypeGeneral}, Triggers: []string{"deploy"}}
	beta := &Template{Name: "beta", Sequence: []models.TaskType{models.TaskTypeGeneral}, Triggers: []string{"deploy"}}
	b := newTestBuilder(t, beta, alpha)
	assert.Equal(t, "alpha", b.Infer("deploy the service"))
}

func TestSubPromptsDifferByType(t *testing.T) {
	b := newTestBuilder(t, fanoutTemplate())
	plan, err := b.Build(BuildInput{Template: "fanout", Prompt: "p"})
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, task := range plan.Tasks {
		require.True(t, strings.Contains(task.Prompt, "p"))
		assert.False(t, seen[task.Prompt], "each type gets its own frame")
		seen[task.Prompt] = true
	}
}

// assertTopological verifies every dependency id references an earlier task.
func assertTopological(t *testing.T, tasks []models.Task) {
	t.Helper()
	position := make(map[string]int, len(tasks))
	for i, task := range tasks {
		position[task.ID] = i
	}
	for i, task := range tasks {
		for _, dep := range task.DependsOn {
			pos, ok := position[dep]
			require.True(t, ok, "task %d references unknown id %s", i, dep)
			require.Less(t, pos, i, "task %d depends on later task %d", i, pos)
		}
	}
}

func depPositions(tasks []models.Task, i int) []int {
	position := make(map[string]int, len(tasks))
	for idx, task := range tasks {
		position[task.ID] = idx
	}
	out := make([]int, 0, len(tasks[i].DependsOn))
	for _, dep := range tasks[i].DependsOn {
		out = append(out, position[dep])
	}
	return out
}
