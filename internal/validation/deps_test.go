package validation

import (
	"testing"
)

func TestSortByDependenciesLinear(t *testing.T) {
	nodes := []DependencyNode{
		{ID: "q3", DependsOn: []string{"q2"}},
		{ID: "q1"},
		{ID: "q2", DependsOn: []string{"q1"}},
	}
	res := SortByDependencies(nodes)
	if res.HasCycle {
		t.Fatalf("unexpected cycle: %s", res.Warning)
	}
	if len(res.Order) != 3 {
		t.Fatalf("order = %v, want 3 entries", res.Order)
	}
	pos := map[string]int{}
	for i, id := range res.Order {
		pos[id] = i
	}
	if pos["q1"] > pos["q2"] || pos["q2"] > pos["q3"] {
		t.Errorf("order = %v violates q1 < q2 < q3", res.Order)
	}
}

func TestSortByDependenciesCycleFallsBack(t *testing.T) {
	nodes := []DependencyNode{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	}
	res := SortByDependencies(nodes)
	if !res.HasCycle {
		t.Fatal("expected cycle detection")
	}
	if res.Warning == "" {
		t.Error("cycle should carry a warning")
	}
	if len(res.Order) != 3 {
		t.Fatalf("order = %v, want all 3 nodes despite cycle", res.Order)
	}
	// The entangled nodes keep arrival order: a before b.
	pos := map[string]int{}
	for i, id := range res.Order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] {
		t.Errorf("order = %v, want a before b (arrival order)", res.Order)
	}
}

func TestSortByDependenciesIgnoresUnknownAndSelf(t *testing.T) {
	nodes := []DependencyNode{
		{ID: "x", DependsOn: []string{"x", "ghost"}},
		{ID: "y", DependsOn: []string{"x"}},
	}
	res := SortByDependencies(nodes)
	if res.HasCycle {
		t.Fatalf("self/unknown deps must not create cycles: %s", res.Warning)
	}
	if len(res.Order) != 2 || res.Order[0] != "x" || res.Order[1] != "y" {
		t.Errorf("order = %v, want [x y]", res.Order)
	}
}

func TestSortByDependenciesEmpty(t *testing.T) {
	res := SortByDependencies(nil)
	if res.HasCycle || len(res.Order) != 0 {
		t.Errorf("empty input: %+v", res)
	}
}
