// Package workflow turns declarative templates into executable task graphs.
// Templates are loaded once from YAML at startup, validated before anything
// is built from them, and expanded per invocation into ordered Task lists
// whose dependencies can only point backwards.
package workflow

import (
	"github.com/nervelab/baran/internal/models"
)

// Template declares the shape of one composite job: which task types run,
// in what declared order, which types must wait for which, and which types
// may run side by side.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Sequence is the declared creation order. A type may appear more than
	// once; dependency resolution then binds to every earlier instance.
	Sequence []models.TaskType `yaml:"sequence" json:"sequence"`

	// Dependencies maps a task type to the types that must finish first.
	// Entries resolve against tasks already created at that point in the
	// sequence, so a prerequisite declared ahead of its first instance
	// simply resolves to nothing.
	Dependencies map[models.TaskType][]models.TaskType `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// ParallelGroups partitions mutually independent types. Members of one
	// group are tagged with a shared group id for concurrent execution.
	ParallelGroups [][]models.TaskType `yaml:"parallel_groups,omitempty" json:"parallel_groups,omitempty"`

	// Capabilities names what the fleet must offer for this template to be
	// useful. Carried into the plan for operators; routing stays per-task.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Triggers are lowercase keywords used by template inference when the
	// caller names no template.
	Triggers []string `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// groupOf returns the 1-based parallel group index containing t, or 0.
func (t *Template) groupOf(tt models.TaskType) int {
	for i, group := range t.ParallelGroups {
		for _, member := range group {
			if member == tt {
				return i + 1
			}
		}
	}
	return 0
}
