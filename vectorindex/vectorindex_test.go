package vectorindex

import (
	"testing"
)

func TestAddPinsDimensionAndRejectsMismatch(t *testing.T) {
	ns, err := NewNamespace(DefaultConfig(0, MetricCosine))
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	if err := ns.Add("a1", []float32{1, 0, 0}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ns.Dimension() != 3 {
		t.Fatalf("expected pinned dimension 3, got %d", ns.Dimension())
	}
	if err := ns.Add("a2", []float32{1, 0}, nil); err == nil {
		t.Fatalf("expected dimension mismatch rejection")
	}
}

func TestSearchReturnsNearestFirst(t *testing.T) {
	ns, err := NewNamespace(DefaultConfig(2, MetricEuclidean))
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	must := func(id string, v []float32) {
		if err := ns.Add(id, v, nil); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	must("near", []float32{1.0, 1.0})
	must("far", []float32{10.0, 10.0})

	results, err := ns.Search([]float32{0.9, 0.9}, 2, nil, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].AssetID != "near" {
		t.Fatalf("expected nearest result first, got %+v", results)
	}
}

func TestSearchAppliesMetadataFilter(t *testing.T) {
	ns, err := NewNamespace(DefaultConfig(2, MetricEuclidean))
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	if err := ns.Add("a1", []float32{0, 0}, map[string]string{"kind": "image"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ns.Add("a2", []float32{0.1, 0.1}, map[string]string{"kind": "text"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := ns.Search([]float32{0, 0}, 5, map[string]string{"kind": "text"}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.AssetID == "a1" {
			t.Fatalf("filtered-out asset a1 appeared in results")
		}
	}
}

func TestSearchRespectsVisibilityFilter(t *testing.T) {
	ns, err := NewNamespace(DefaultConfig(2, MetricEuclidean))
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	if err := ns.Add("hidden", []float32{0, 0}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ns.Add("visible", []float32{0.1, 0.1}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	visible := func(id string) bool { return id != "hidden" }
	results, err := ns.Search([]float32{0, 0}, 5, nil, visible)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.AssetID == "hidden" {
			t.Fatalf("hidden asset appeared in results")
		}
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	ns, err := NewNamespace(DefaultConfig(2, MetricEuclidean))
	if err != nil {
		t.Fatalf("NewNamespace: %v", err)
	}
	if err := ns.Add("a1", []float32{1, 1}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ns.Delete("a1")
	if ns.Count() != 0 {
		t.Fatalf("expected count 0 after delete, got %d", ns.Count())
	}
}

func TestIndexCreatesNamespaceLazily(t *testing.T) {
	idx := NewIndex()
	ns1, err := idx.Namespace("team-a", DefaultConfig(4, MetricCosine))
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	ns2, err := idx.Namespace("team-a", DefaultConfig(8, MetricCosine))
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	if ns1 != ns2 {
		t.Fatalf("expected the same namespace instance on second call")
	}
}
