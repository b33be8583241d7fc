// SPDX-License-Identifier: Apache-2.0

// Package playbook normalizes, validates and loads playbook definitions.
package playbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

// ResolveOrdering returns the effective ordering: an explicit value wins,
// otherwise graph if any step declares dependencies, else sequential.
func ResolveOrdering(pb domain.Playbook) domain.Ordering {
	if pb.Ordering != "" {
		return pb.Ordering
	}
	for _, s := range pb.Steps {
		if len(s.DependsOn) > 0 {
			return domain.OrderingGraph
		}
	}
	return domain.OrderingSequential
}

// Normalize returns a validated copy of pb with explicit dependency edges,
// step ids filled in and the ordering resolved. The input is not modified.
func Normalize(pb domain.Playbook) (domain.Playbook, error) {
	out := clone(pb)
	out.Ordering = ResolveOrdering(pb)

	switch out.Ordering {
	case domain.OrderingSequential:
		for i := range out.Steps {
			out.Steps[i].DependsOn = nil
			if i > 0 {
				out.Steps[i].DependsOn = []string{out.Steps[i-1].Key}
			}
		}
	case domain.OrderingGraph:
	default:
		return domain.Playbook{}, &domain.ValidationError{
			Field:  "ordering",
			Reason: fmt.Sprintf("unknown ordering %q", out.Ordering),
		}
	}

	for i := range out.Steps {
		if out.Steps[i].ID == uuid.Nil {
			out.Steps[i].ID = uuid.New()
		}
		out.Steps[i].DependsOn = dedupe(out.Steps[i].DependsOn)
	}

	if err := Validate(out); err != nil {
		return domain.Playbook{}, err
	}
	return out, nil
}

// Validate checks step keys, types and dependency edges, and rejects cycles.
func Validate(pb domain.Playbook) error {
	if len(pb.Steps) == 0 {
		return &domain.ValidationError{Field: "steps", Reason: "at least one step is required"}
	}

	seen := make(map[string]struct{}, len(pb.Steps))
	for i, s := range pb.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Key) == "" {
			return &domain.ValidationError{Field: field + ".key", Reason: "is required"}
		}
		if strings.TrimSpace(string(s.Type)) == "" {
			return &domain.ValidationError{Field: field + ".type", Reason: "is required"}
		}
		if s.MaxAttempts < 0 {
			return &domain.ValidationError{Field: field + ".max_attempts", Reason: "must be >= 0"}
		}
		if s.Timeout < 0 {
			return &domain.ValidationError{Field: field + ".timeout", Reason: "must be >= 0"}
		}
		if _, dup := seen[s.Key]; dup {
			return &domain.ValidationError{Field: field + ".key", Reason: fmt.Sprintf("duplicate step key %q", s.Key)}
		}
		seen[s.Key] = struct{}{}
	}

	for i, s := range pb.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.Key {
				return &domain.ValidationError{
					Field:  fmt.Sprintf("steps[%d].depends_on", i),
					Reason: fmt.Sprintf("step %q depends on itself", s.Key),
				}
			}
			if _, ok := seen[dep]; !ok {
				return &domain.ValidationError{
					Field:  fmt.Sprintf("steps[%d].depends_on", i),
					Reason: fmt.Sprintf("step %q depends on unknown step %q", s.Key, dep),
				}
			}
		}
	}

	if _, err := TopoOrder(pb.Steps); err != nil {
		return err
	}
	return nil
}

// CheckTypes rejects steps whose type is not known to the runtime.
func CheckTypes(pb domain.Playbook, known func(domain.StepType) bool) error {
	for i, s := range pb.Steps {
		if !known(s.Type) {
			return &domain.ValidationError{
				Field:  fmt.Sprintf("steps[%d].type", i),
				Reason: fmt.Sprintf("unknown step type %q", s.Type),
			}
		}
	}
	return nil
}

// TopoOrder returns step keys in a dependency-respecting order (Kahn's
// algorithm, ties broken by declaration order). A cycle is a validation error.
func TopoOrder(steps []domain.StepDefinition) ([]string, error) {
	position := make(map[string]int, len(steps))
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for i, s := range steps {
		position[s.Key] = i
		indegree[s.Key] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Key]++
			children[dep] = append(children[dep], s.Key)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.Key] == 0 {
			ready = append(ready, s.Key)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)
		for _, child := range children[key] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(steps) {
		var stuck []string
		for _, s := range steps {
			if indegree[s.Key] > 0 {
				stuck = append(stuck, s.Key)
			}
		}
		return nil, &domain.ValidationError{
			Field:  "steps",
			Reason: "dependency cycle between " + strings.Join(stuck, ", "),
		}
	}
	return order, nil
}

// Roots returns the keys of steps without dependencies.
func Roots(steps []domain.StepDefinition) []string {
	var out []string
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			out = append(out, s.Key)
		}
	}
	return out
}

func clone(pb domain.Playbook) domain.Playbook {
	out := pb
	if len(pb.Steps) > 0 {
		out.Steps = make([]domain.StepDefinition, len(pb.Steps))
		for i, s := range pb.Steps {
			out.Steps[i] = s
			if len(s.DependsOn) > 0 {
				out.Steps[i].DependsOn = append([]string(nil), s.DependsOn...)
			}
			if len(s.Config) > 0 {
				out.Steps[i].Config = append([]byte(nil), s.Config...)
			}
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
