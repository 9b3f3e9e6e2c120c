// Package models holds the core vocabulary shared by the classifier,
// router, workflow builder, and executor.
package models

import (
	"encoding/json"
	"fmt"
)

// ComplexityLevel is an ordinal measure of how demanding a task is.
// Levels are ordered: Simple < Moderate < Complex < Expert.
type ComplexityLevel int

const (
	ComplexitySimple ComplexityLevel = iota
	ComplexityModerate
	ComplexityComplex
	ComplexityExpert
)

// String returns the canonical lowercase name of the level.
func (c ComplexityLevel) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	case ComplexityExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// ParseComplexityLevel converts a config/API string into a ComplexityLevel.
func ParseComplexityLevel(s string) (ComplexityLevel, error) {
	switch s {
	case "simple":
		return ComplexitySimple, nil
	case "moderate":
		return ComplexityModerate, nil
	case "complex":
		return ComplexityComplex, nil
	case "expert":
		return ComplexityExpert, nil
	default:
		return ComplexitySimple, fmt.Errorf("unknown complexity level %q", s)
	}
}

// MarshalJSON renders the level as its string name.
func (c ComplexityLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts the string names produced by MarshalJSON.
func (c *ComplexityLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseComplexityLevel(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TaskType names the category of work a task carries.
type TaskType string

const (
	TaskTypeResearch   TaskType = "research"
	TaskTypeReasoning  TaskType = "reasoning"
	TaskTypeCoding     TaskType = "coding"
	TaskTypeCreative   TaskType = "creative"
	TaskTypeAnalysis   TaskType = "analysis"
	TaskTypeMultimodal TaskType = "multimodal"
	TaskTypeGeneral    TaskType = "general"
)

// KnownTaskTypes returns every recognized task type in a stable order.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeResearch,
		TaskTypeReasoning,
		TaskTypeCoding,
		TaskTypeCreative,
		TaskTypeAnalysis,
		TaskTypeMultimodal,
		TaskTypeGeneral,
	}
}

// IsKnownTaskType reports whether t is one of the recognized task types.
func IsKnownTaskType(t TaskType) bool {
	switch t {
	case TaskTypeResearch, TaskTypeReasoning, TaskTypeCoding, TaskTypeCreative,
		TaskTypeAnalysis, TaskTypeMultimodal, TaskTypeGeneral:
		return true
	default:
		return false
	}
}

// TaskState tracks a task through the executor's state machine.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateReady   TaskState = "ready"
	TaskStateRunning TaskState = "running"
	TaskStateDone    TaskState = "done"
	TaskStateFailed  TaskState = "failed"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// Task is one node of a workflow graph. Dependencies may only name tasks
// that were materialized before this one, so a task list is a DAG by
// construction and needs no separate cycle check.
type Task struct {
	ID            string         `json:"id"`
	Type          TaskType       `json:"type"`
	Prompt        string         `json:"prompt"`
	Context       map[string]any `json:"context,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
	State         TaskState      `json:"state"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing executor-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Context != nil {
		cp.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			cp.Context[k] = v
		}
	}
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}
