package pipeline

import (
	"testing"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

var testAsOf = time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)

func TestBuildPlanHashStableAcrossFilterOrder(t *testing.T) {
	a, err := BuildPlan(testAsOf, "v1", domain.ScopeFilters{"desk": "metals", "commodity": "aluminium"}, domain.ModeMaterialize, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	b, err := BuildPlan(testAsOf, "v1", domain.ScopeFilters{"commodity": "aluminium", "desk": "metals"}, domain.ModeMaterialize, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if a.InputsHash != b.InputsHash {
		t.Fatalf("hashes differ for identical filters: %s vs %s", a.InputsHash, b.InputsHash)
	}
}

func TestBuildPlanNilAndEmptyFiltersEquivalent(t *testing.T) {
	a, err := BuildPlan(testAsOf, "v1", nil, domain.ModeMaterialize, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	b, err := BuildPlan(testAsOf, "v1", domain.ScopeFilters{}, domain.ModeMaterialize, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if a.InputsHash != b.InputsHash {
		t.Fatal("nil and empty filters must hash identically")
	}
}

func TestBuildPlanDropsNilFilterValues(t *testing.T) {
	a, err := BuildPlan(testAsOf, "v1", domain.ScopeFilters{"desk": "metals", "region": nil}, domain.ModeMaterialize, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	b, err := BuildPlan(testAsOf, "v1", domain.ScopeFilters{"desk": "metals"}, domain.ModeMaterialize, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if a.InputsHash != b.InputsHash {
		t.Fatal("nil-valued filters must not affect the hash")
	}
	if _, ok := a.ScopeFilters["region"]; ok {
		t.Fatal("nil-valued filter must be dropped from the plan")
	}
}

func TestBuildPlanHashCoversEveryInput(t *testing.T) {
	base, err := BuildPlan(testAsOf, "v1", nil, domain.ModeMaterialize, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	variants := []domain.PipelinePlan{}
	for _, build := range []func() (domain.PipelinePlan, error){
		func() (domain.PipelinePlan, error) {
			return BuildPlan(testAsOf.AddDate(0, 0, 1), "v1", nil, domain.ModeMaterialize, true)
		},
		func() (domain.PipelinePlan, error) {
			return BuildPlan(testAsOf, "v2", nil, domain.ModeMaterialize, true)
		},
		func() (domain.PipelinePlan, error) {
			return BuildPlan(testAsOf, "v1", domain.ScopeFilters{"desk": "metals"}, domain.ModeMaterialize, true)
		},
		func() (domain.PipelinePlan, error) {
			return BuildPlan(testAsOf, "v1", nil, domain.ModeDryRun, true)
		},
		func() (domain.PipelinePlan, error) {
			return BuildPlan(testAsOf, "v1", nil, domain.ModeMaterialize, false)
		},
	} {
		plan, err := build()
		if err != nil {
			t.Fatalf("BuildPlan variant: %v", err)
		}
		variants = append(variants, plan)
	}
	seen := map[string]bool{base.InputsHash: true}
	for i, v := range variants {
		if seen[v.InputsHash] {
			t.Fatalf("variant %d collided with another plan hash", i)
		}
		seen[v.InputsHash] = true
	}
}

func TestBuildPlanRejectsInvalidInput(t *testing.T) {
	if _, err := BuildPlan(time.Time{}, "v1", nil, domain.ModeMaterialize, true); err == nil {
		t.Fatal("expected error for zero as-of date")
	}
	if _, err := BuildPlan(testAsOf, " ", nil, domain.ModeMaterialize, true); err == nil {
		t.Fatal("expected error for blank pipeline version")
	}
	if _, err := BuildPlan(testAsOf, "v1", nil, domain.Mode("turbo"), true); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
