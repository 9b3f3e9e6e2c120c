package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nervelab/baran/internal/models"
)

// ValidationIssue captures a single template defect with a stable code for metrics.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates everything wrong with one template definition.
// Templates are rejected at load time, before any task is built from them.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "template validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// Validate checks one template definition. An empty sequence is legal and
// builds an empty task list; everything referenced must still be declared.
func Validate(tpl *Template) error {
	if tpl == nil {
		return &ValidationError{Issues: []ValidationIssue{{Code: "template_nil", Message: "template is nil"}}}
	}

	var issues []ValidationIssue
	name := strings.TrimSpace(tpl.Name)
	if name == "" {
		issues = append(issues, ValidationIssue{Code: "template_name_missing", Message: "template name is required"})
		name = "(unnamed)"
	}

	declared := make(map[models.TaskType]bool, len(tpl.Sequence))
	for _, tt := range tpl.Sequence {
		if !models.IsKnownTaskType(tt) {
			issues = append(issues, ValidationIssue{
				Code:    "task_type_unknown",
				Message: fmt.Sprintf("template '%s' sequence contains unknown task type '%s'", name, tt),
			})
			continue
		}
		declared[tt] = true
	}

	for key, prereqs := range tpl.Dependencies {
		if !declared[key] {
			issues = append(issues, ValidationIssue{
				Code:    "dependency_key_undeclared",
				Message: fmt.Sprintf("template '%s' declares dependencies for '%s' which is not in the sequence", name, key),
			})
		}
		for _, p := range prereqs {
			if !declared[p] {
				issues = append(issues, ValidationIssue{
					Code:    "prerequisite_undeclared",
					Message: fmt.Sprintf("template '%s' dependency '%s' -> '%s' references a type not in the sequence", name, key, p),
				})
			}
		}
	}

	seen := make(map[models.TaskType]int)
	for i, group := range tpl.ParallelGroups {
		if len(group) == 0 {
			issues = append(issues, ValidationIssue{
				Code:    "group_empty",
				Message: fmt.Sprintf("template '%s' parallel group %d is empty", name, i+1),
			})
		}
		for _, member := range group {
			if !declared[member] {
				issues = append(issues, ValidationIssue{
					Code:    "group_member_undeclared",
					Message: fmt.Sprintf("template '%s' parallel group %d member '%s' is not in the sequence", name, i+1, member),
				})
			}
			if prev, dup := seen[member]; dup {
				issues = append(issues, ValidationIssue{
					Code:    "group_member_duplicate",
					Message: fmt.Sprintf("template '%s' type '%s' appears in parallel groups %d and %d", name, member, prev, i+1),
				})
			} else {
				seen[member] = i + 1
			}
		}
		issues = append(issues, groupDependencyConflicts(name, i+1, group, tpl.Dependencies)...)
	}

	if len(issues) == 0 {
		return nil
	}
	sort.Slice(issues, func(a, b int) bool {
		if issues[a].Code == issues[b].Code {
			return issues[a].Message < issues[b].Message
		}
		return issues[a].Code < issues[b].Code
	})
	return &ValidationError{Issues: issues}
}

// groupDependencyConflicts rejects direct dependencies between members of
// the same parallel group. Such members cannot start together, so the group
// tag would be a lie the executor has to work around.
func groupDependencyConflicts(name string, groupIdx int, group []models.TaskType, deps map[models.TaskType][]models.TaskType) []ValidationIssue {
	members := make(map[models.TaskType]bool, len(group))
	for _, m := range group {
		members[m] = true
	}
	var issues []ValidationIssue
	for _, m := range group {
		for _, p := range deps[m] {
			if members[p] {
				issues = append(issues, ValidationIssue{
					Code:    "group_dependency_conflict",
					Message: fmt.Sprintf("template '%s' parallel group %d member '%s' depends on co-member '%s'", name, groupIdx, m, p),
				})
			}
		}
	}
	return issues
}
