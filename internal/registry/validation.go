package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/nervelab/baran/internal/models"
)

// ValidationIssue captures a single validation failure with a stable code for metrics.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates backend configuration failures.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "backend validation failed"
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

// HasIssues reports whether any validation problems were captured.
func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// validateDescriptor performs the shape checks that need no knowledge of
// other backends.
func validateDescriptor(d *Descriptor) []ValidationIssue {
	var issues []ValidationIssue

	name := strings.TrimSpace(d.Name)
	if name == "" {
		issues = append(issues, ValidationIssue{Code: "backend_name_missing", Message: "backend name is required"})
		name = "(unnamed)"
	}
	if strings.TrimSpace(d.Endpoint) == "" {
		issues = append(issues, ValidationIssue{Code: "endpoint_missing", Message: fmt.Sprintf("backend '%s' has no endpoint", name)})
	} else if u, err := url.Parse(d.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, ValidationIssue{Code: "endpoint_invalid", Message: fmt.Sprintf("backend '%s' endpoint '%s' is not a valid http(s) URL", name, d.Endpoint)})
	}
	if _, err := ParseWireFormat(string(d.Format)); err != nil {
		issues = append(issues, ValidationIssue{Code: "wire_format_unknown", Message: fmt.Sprintf("backend '%s': %v", name, err)})
	}
	if d.Performance < 0 || d.Performance > 1 {
		issues = append(issues, ValidationIssue{Code: "performance_range", Message: fmt.Sprintf("backend '%s' performance %.3f outside [0,1]", name, d.Performance)})
	}
	if d.CostPerToken < 0 {
		issues = append(issues, ValidationIssue{Code: "cost_negative", Message: fmt.Sprintf("backend '%s' cost per token cannot be negative", name)})
	}
	if d.MaxComplexity < models.ComplexitySimple || d.MaxComplexity > models.ComplexityExpert {
		issues = append(issues, ValidationIssue{Code: "complexity_range", Message: fmt.Sprintf("backend '%s' max complexity out of range", name)})
	}
	if d.RateLimitRPM < 0 {
		issues = append(issues, ValidationIssue{Code: "rate_limit_negative", Message: fmt.Sprintf("backend '%s' rate limit cannot be negative", name)})
	}
	for _, s := range d.Specialties {
		if strings.TrimSpace(s) == "" {
			issues = append(issues, ValidationIssue{Code: "specialty_empty", Message: fmt.Sprintf("backend '%s' declares an empty specialty", name)})
		}
	}
	for _, p := range d.HealthEndpoints {
		if !strings.HasPrefix(p, "/") {
			issues = append(issues, ValidationIssue{Code: "health_endpoint_invalid", Message: fmt.Sprintf("backend '%s' health endpoint '%s' must start with '/'", name, p)})
		}
	}
	for _, fb := range d.Fallbacks {
		if fb == d.Name {
			issues = append(issues, ValidationIssue{Code: "fallback_self", Message: fmt.Sprintf("backend '%s' cannot fall back to itself", name)})
		}
	}
	return issues
}

// validateSet performs the cross-backend checks: duplicate names, fallback
// references, and acyclicity of the fallback graph as a whole.
func validateSet(descs []Descriptor) []ValidationIssue {
	var issues []ValidationIssue

	known := make(map[string]struct{}, len(descs))
	for i := range descs {
		name := descs[i].Name
		if name == "" {
			continue
		}
		if _, dup := known[name]; dup {
			issues = append(issues, ValidationIssue{Code: "backend_name_duplicate", Message: fmt.Sprintf("duplicate backend name '%s'", name)})
			continue
		}
		known[name] = struct{}{}
	}

	adjacency := make(map[string][]string, len(descs))
	order := make([]string, 0, len(descs))
	for i := range descs {
		d := &descs[i]
		if d.Name == "" {
			continue
		}
		order = append(order, d.Name)
		for _, fb := range d.Fallbacks {
			if fb == d.Name {
				continue
			}
			if _, ok := known[fb]; !ok {
				issues = append(issues, ValidationIssue{Code: "fallback_unknown", Message: fmt.Sprintf("backend '%s' falls back to undeclared backend '%s'", d.Name, fb)})
				continue
			}
			adjacency[d.Name] = append(adjacency[d.Name], fb)
		}
	}

	if cycle := findFallbackCycle(order, adjacency); cycle != "" {
		issues = append(issues, ValidationIssue{Code: "fallback_cycle", Message: fmt.Sprintf("fallback cycle detected: %s", cycle)})
	}
	return issues
}

// ValidateSet checks a full backend set and returns a ValidationError when
// problems exist. Load-time callers reject the configuration outright.
func ValidateSet(descs []Descriptor) error {
	var issues []ValidationIssue
	for i := range descs {
		issues = append(issues, validateDescriptor(&descs[i])...)
	}
	issues = append(issues, validateSet(descs)...)
	if len(issues) > 0 {
		sort.Slice(issues, func(i, j int) bool {
			if issues[i].Code == issues[j].Code {
				return issues[i].Message < issues[j].Message
			}
			return issues[i].Code < issues[j].Code
		})
		return &ValidationError{Issues: issues}
	}
	return nil
}

func findFallbackCycle(order []string, adjacency map[string][]string) string {
	const (
		stateUnvisited = 0
		stateVisiting  = 1
		stateVisited   = 2
	)

	state := make(map[string]int, len(order))
	stack := make([]string, 0, len(order))
	var cycle string

	var dfs func(string) bool
	dfs = func(node string) bool {
		state[node] = stateVisiting
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch state[next] {
			case stateVisiting:
				cycle = formatCycle(stack, next)
				return true
			case stateUnvisited:
				if dfs(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = stateVisited
		return false
	}

	for _, node := range order {
		if state[node] == stateUnvisited {
			if dfs(node) {
				return cycle
			}
		}
	}
	return ""
}

func formatCycle(stack []string, start string) string {
	idx := -1
	for i, n := range stack {
		if n == start {
			idx = i
			break
		}
	}
	if idx == -1 {
		return strings.Join(append(stack, start), " -> ")
	}
	cycle := append([]string(nil), stack[idx:]...)
	cycle = append(cycle, start)
	return strings.Join(cycle, " -> ")
}
