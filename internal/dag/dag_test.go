package dag

import (
	"reflect"
	"testing"

	"sce.dev/auto/internal/model"
)

func spec(name, leaseKey string, deps ...string) model.Spec {
	return model.Spec{Name: name, Dependencies: deps, LeaseKey: leaseKey}
}

func TestBatch_ThreeSubPortfolio(t *testing.T) {
	specs := []model.Spec{
		spec("01-00-master", "build-closed", "01-01-a", "01-02-b", "01-03-c"),
		spec("01-01-a", "a-lease"),
		spec("01-02-b", "b-lease"),
		spec("01-03-c", "c-lease", "01-01-a", "01-02-b"),
	}

	batches, err := Batch(specs)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	want := [][]string{
		{"01-01-a", "01-02-b"},
		{"01-03-c"},
		{"01-00-master"},
	}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("Batch() = %v, want %v", batches, want)
	}
}

func TestBatch_DetectsCycle(t *testing.T) {
	specs := []model.Spec{
		spec("a", "a", "b"),
		spec("b", "b", "a"),
	}
	if _, err := Batch(specs); err == nil {
		t.Error("Batch should reject a cyclic graph")
	}
}

func TestLeaseGroups_OnlySharedKeys(t *testing.T) {
	specs := []model.Spec{
		spec("a", "shared"),
		spec("b", "shared"),
		spec("c", "unique"),
	}

	groups := LeaseGroups(specs)
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	if !reflect.DeepEqual(groups["shared"], []string{"a", "b"}) {
		t.Errorf("groups[shared] = %v, want [a b]", groups["shared"])
	}
}

func TestDescendants_SkipPropagation(t *testing.T) {
	specs := []model.Spec{
		spec("01-01-a", "a"),
		spec("01-02-b", "b", "01-01-a"),
		spec("01-03-c", "c", "01-02-b"),
		spec("01-04-d", "d"),
	}

	got := Descendants(specs, []string{"01-01-a"})
	want := []string{"01-02-b", "01-03-c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Descendants = %v, want %v", got, want)
	}
}

func TestBuildSchedulingPlan_DetectsReordering(t *testing.T) {
	specs := []model.Spec{
		spec("01-02-b", "b"),
		spec("01-01-a", "a"),
	}

	plan, err := BuildSchedulingPlan(specs)
	if err != nil {
		t.Fatalf("BuildSchedulingPlan failed: %v", err)
	}
	if !plan.AutoReordered {
		t.Error("AutoReordered should be true when input order isn't already topological+lexicographic")
	}
	if !reflect.DeepEqual(plan.ReorderedOrder, []string{"01-01-a", "01-02-b"}) {
		t.Errorf("ReorderedOrder = %v, want [01-01-a 01-02-b]", plan.ReorderedOrder)
	}
}
