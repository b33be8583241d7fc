// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"errors"
	"strings"
	"testing"

	"github.com/adiadia/playbook-runtime/internal/domain"
)

func step(key string, deps ...string) domain.StepDefinition {
	return domain.StepDefinition{Key: key, Type: "echo", DependsOn: deps}
}

func TestResolveOrdering(t *testing.T) {
	cases := []struct {
		name string
		pb   domain.Playbook
		want domain.Ordering
	}{
		{
			name: "explicit wins",
			pb:   domain.Playbook{Ordering: domain.OrderingSequential, Steps: []domain.StepDefinition{step("a"), step("b", "a")}},
			want: domain.OrderingSequential,
		},
		{
			name: "implicit graph when edges declared",
			pb:   domain.Playbook{Steps: []domain.StepDefinition{step("a"), step("b", "a")}},
			want: domain.OrderingGraph,
		},
		{
			name: "implicit sequential without edges",
			pb:   domain.Playbook{Steps: []domain.StepDefinition{step("a"), step("b")}},
			want: domain.OrderingSequential,
		},
	}
	for _, tc := range cases {
		if got := ResolveOrdering(tc.pb); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestNormalizeSequentialBuildsChain(t *testing.T) {
	in := domain.Playbook{Steps: []domain.StepDefinition{step("a"), step("b"), step("c")}}
	out, err := Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.Ordering != domain.OrderingSequential {
		t.Fatalf("expected sequential, got %s", out.Ordering)
	}
	if len(out.Steps[0].DependsOn) != 0 {
		t.Fatalf("expected a to be a root, got %v", out.Steps[0].DependsOn)
	}
	if got := out.Steps[1].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected b -> a, got %v", got)
	}
	if got := out.Steps[2].DependsOn; len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected c -> b, got %v", got)
	}
	for _, s := range out.Steps {
		if s.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Fatalf("expected step id to be assigned for %s", s.Key)
		}
	}
	if in.Steps[1].DependsOn != nil {
		t.Fatal("expected input playbook to be left untouched")
	}
}

func TestNormalizeGraphDedupesEdges(t *testing.T) {
	out, err := Normalize(domain.Playbook{Steps: []domain.StepDefinition{step("a"), step("b", "a", "a", " ")}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := out.Steps[1].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected deduped edges, got %v", got)
	}
}

func TestNormalizeRejectsInvalidGraphs(t *testing.T) {
	cases := []struct {
		name   string
		pb     domain.Playbook
		reason string
	}{
		{name: "empty", pb: domain.Playbook{}, reason: "at least one step"},
		{name: "missing key", pb: domain.Playbook{Steps: []domain.StepDefinition{{Type: "echo"}}}, reason: "is required"},
		{name: "missing type", pb: domain.Playbook{Steps: []domain.StepDefinition{{Key: "a"}}}, reason: "is required"},
		{name: "duplicate key", pb: domain.Playbook{Steps: []domain.StepDefinition{step("a"), step("a")}}, reason: "duplicate step key"},
		{name: "unknown dep", pb: domain.Playbook{Steps: []domain.StepDefinition{step("a", "zzz")}}, reason: "unknown step"},
		{name: "self dep", pb: domain.Playbook{Steps: []domain.StepDefinition{step("a", "a")}}, reason: "depends on itself"},
		{
			name:   "cycle",
			pb:     domain.Playbook{Steps: []domain.StepDefinition{step("root"), step("a", "root", "c"), step("b", "a"), step("c", "b")}},
			reason: "dependency cycle between a, b, c",
		},
		{name: "bad ordering", pb: domain.Playbook{Ordering: "random", Steps: []domain.StepDefinition{step("a")}}, reason: "unknown ordering"},
	}

	for _, tc := range cases {
		_, err := Normalize(tc.pb)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
		var ve *domain.ValidationError
		if !errors.As(err, &ve) || !strings.Contains(ve.Reason, tc.reason) {
			t.Fatalf("%s: expected reason containing %q, got %v", tc.name, tc.reason, err)
		}
	}
}

func TestTopoOrderAndRoots(t *testing.T) {
	steps := []domain.StepDefinition{step("d", "b", "c"), step("b", "a"), step("a"), step("c", "a")}
	order, err := TopoOrder(steps)
	if err != nil {
		t.Fatalf("topo: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}

	roots := Roots(steps)
	if len(roots) != 1 || roots[0] != "a" {
		t.Fatalf("expected root a, got %v", roots)
	}
}

func TestCheckTypes(t *testing.T) {
	pb := domain.Playbook{Steps: []domain.StepDefinition{step("a"), {Key: "b", Type: "teleport"}}}
	known := func(t domain.StepType) bool { return t == "echo" }
	err := CheckTypes(pb, known)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "steps[1].type" {
		t.Fatalf("expected unknown type error on steps[1], got %v", err)
	}
}
