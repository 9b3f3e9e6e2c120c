package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/models"
)

// ErrUnknownTemplate is returned when an explicitly named template does not
// exist. Fails fast; nothing is built.
var ErrUnknownTemplate = errors.New("unknown workflow template")

// BuildInput is one request to expand a prompt into a task graph.
type BuildInput struct {
	// Template names the workflow to build. Empty means infer one from the
	// prompt, defaulting to DefaultTemplate.
	Template string
	Prompt   string
	Context  map[string]any
}

// Plan is an expanded, ready-to-execute task list.
type Plan struct {
	Template     string        `json:"template"`
	Inferred     bool          `json:"inferred,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Tasks        []models.Task `json:"tasks"`
}

// Builder expands templates into task lists. It knows nothing about
// backends or routing; per-task placement happens at execution time.
type Builder struct {
	templates *Registry
	logger    *zap.Logger
}

// NewBuilder creates a builder over a template registry.
func NewBuilder(templates *Registry, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{templates: templates, logger: logger.Named("builder")}
}

// Build expands the named (or inferred) template for one prompt. Tasks are
// created in the template's declared sequence; a dependency entry resolves
// to the ids of tasks already created whose type matches the prerequisite,
// so every edge points backwards and the list is a DAG by construction.
func (b *Builder) Build(in BuildInput) (Plan, error) {
	name := strings.TrimSpace(in.Template)
	inferred := false
	if name == "" {
		name = b.Infer(in.Prompt)
		inferred = true
	}
	entry, ok := b.templates.Get(name)
	if !ok {
		return Plan{}, fmt.Errorf("template '%s': %w", name, ErrUnknownTemplate)
	}
	tpl := entry.Template

	tasks := make([]models.Task, 0, len(tpl.Sequence))
	idsByType := make(map[models.TaskType][]string, len(tpl.Sequence))
	for _, tt := range tpl.Sequence {
		task := models.Task{
			ID:     uuid.NewString(),
			Type:   tt,
			Prompt: subPrompt(tt, in.Prompt),
			State:  models.TaskStatePending,
		}
		task.Context = make(map[string]any, len(in.Context)+1)
		for k, v := range in.Context {
			task.Context[k] = v
		}
		task.Context["source_prompt"] = in.Prompt

		seen := make(map[string]bool)
		for _, prereq := range tpl.Dependencies[tt] {
			for _, id := range idsByType[prereq] {
				if !seen[id] {
					seen[id] = true
					task.DependsOn = append(task.DependsOn, id)
				}
			}
		}
		if gi := tpl.groupOf(tt); gi > 0 {
			task.ParallelGroup = fmt.Sprintf("%s-g%d", tpl.Name, gi)
		}
		if len(task.DependsOn) == 0 {
			task.State = models.TaskStateReady
		}
		idsByType[tt] = append(idsByType[tt], task.ID)
		tasks = append(tasks, task)
	}

	b.logger.Debug("Built workflow plan",
		zap.String("template", name),
		zap.Bool("inferred", inferred),
		zap.Int("tasks", len(tasks)),
	)
	return Plan{
		Template:     name,
		Inferred:     inferred,
		Capabilities: append([]string(nil), tpl.Capabilities...),
		Tasks:        tasks,
	}, nil
}

// subPromptFormats are the fixed per-type prompt frames. The original user
// prompt is always embedded whole so no information is lost between steps.
var subPromptFormats = map[models.TaskType]string{
	models.TaskTypeResearch:   "Gather the background, prior art, and sources relevant to the request below, then summarize the findings with references.\n\nRequest: %s",
	models.TaskTypeReasoning:  "Work through the request below step by step. State assumptions explicitly and verify each inference before relying on it.\n\nRequest: %s",
	models.TaskTypeCoding:     "Write the code the request below calls for. Include a short usage note and flag any parts you could not verify.\n\nRequest: %s",
	models.TaskTypeCreative:   "Produce the creative piece described below, keeping to any stated tone, format, and length constraints.\n\nRequest: %s",
	models.TaskTypeAnalysis:   "Analyze the subject of the request below: lay out its structure, the tradeoffs involved, and the risks worth naming.\n\nRequest: %s",
	models.TaskTypeMultimodal: "Describe and interpret the non-text artifacts referenced in the request below, then address the request itself.\n\nRequest: %s",
	models.TaskTypeGeneral:    "Complete the request below directly and concisely.\n\nRequest: %s",
}

func subPrompt(tt models.TaskType, prompt string) string {
	format, ok := subPromptFormats[tt]
	if !ok {
		format = subPromptFormats[models.TaskTypeGeneral]
	}
	return fmt.Sprintf(format, prompt)
}
