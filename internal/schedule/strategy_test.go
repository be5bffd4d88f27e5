package schedule_test

import (
	"fmt"
	"testing"

	"studyline/internal/schedule"
)

func variant(weight int, label string) schedule.Variant {
	return schedule.Variant{
		Weight: weight,
		Schedule: schedule.Schedule{
			Label:        label,
			ScheduleType: schedule.Recurring,
			Interval:     "P1D",
			TimesOfDay:   []string{"10:00"},
			Activities:   []schedule.Activity{schedule.NewTaskActivity(label, label)},
		},
	}
}

func TestSimpleStrategyAlwaysResolves(t *testing.T) {
	s := schedule.SimpleStrategy{Schedule: variant(0, "only").Schedule}
	for _, hc := range []string{"hc-1", "hc-2", ""} {
		resolved, ok := s.Resolve("plan-1", hc)
		if !ok || resolved.Label != "only" {
			t.Fatalf("simple strategy failed to resolve for %q", hc)
		}
	}
}

func TestWeightedStrategyIsStable(t *testing.T) {
	s := schedule.WeightedStrategy{Variants: []schedule.Variant{
		variant(40, "control"),
		variant(60, "treatment"),
	}}
	for i := 0; i < 50; i++ {
		hc := fmt.Sprintf("hc-%d", i)
		first, ok1 := s.Resolve("plan-1", hc)
		second, ok2 := s.Resolve("plan-1", hc)
		if ok1 != ok2 || first.Label != second.Label {
			t.Fatalf("resolution for %q changed between calls", hc)
		}
	}
}

func TestWeightedStrategyPartitionsParticipants(t *testing.T) {
	s := schedule.WeightedStrategy{Variants: []schedule.Variant{
		variant(30, "control"),
		variant(70, "treatment"),
	}}
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		resolved, ok := s.Resolve("plan-1", fmt.Sprintf("hc-%d", i))
		if !ok {
			t.Fatalf("weights summing to 100 must always resolve")
		}
		counts[resolved.Label]++
	}
	if counts["control"] == 0 || counts["treatment"] == 0 {
		t.Fatalf("expected both variants assigned, got %v", counts)
	}
	if counts["treatment"] <= counts["control"] {
		t.Fatalf("expected the heavier variant to dominate, got %v", counts)
	}
}

func TestWeightedStrategyDependsOnPlan(t *testing.T) {
	s := schedule.WeightedStrategy{Variants: []schedule.Variant{
		variant(50, "control"),
		variant(50, "treatment"),
	}}
	// The same participant can land in different variants under different
	// plans; scan for one such health code to prove plan GUID feeds the hash.
	for i := 0; i < 200; i++ {
		hc := fmt.Sprintf("hc-%d", i)
		a, _ := s.Resolve("plan-1", hc)
		b, _ := s.Resolve("plan-2", hc)
		if a.Label != b.Label {
			return
		}
	}
	t.Fatalf("assignment ignored the plan guid")
}

func TestWeightedStrategyBucketBeyondTotal(t *testing.T) {
	s := schedule.WeightedStrategy{Variants: []schedule.Variant{variant(10, "pilot")}}
	resolved, unresolved := 0, 0
	for i := 0; i < 500; i++ {
		if _, ok := s.Resolve("plan-1", fmt.Sprintf("hc-%d", i)); ok {
			resolved++
		} else {
			unresolved++
		}
	}
	if resolved == 0 {
		t.Fatalf("expected some participants inside the 10%% pilot")
	}
	if unresolved == 0 {
		t.Fatalf("expected participants beyond the total weight to resolve to no schedule")
	}
	if resolved > unresolved {
		t.Fatalf("a 10%% pilot should leave most participants out: %d in, %d out", resolved, unresolved)
	}
}

func TestWeightedStrategyZeroTotal(t *testing.T) {
	s := schedule.WeightedStrategy{Variants: []schedule.Variant{variant(0, "never")}}
	if _, ok := s.Resolve("plan-1", "hc-1"); ok {
		t.Fatalf("zero total weight must resolve to no schedule")
	}
}

func TestWeightedStrategyValidate(t *testing.T) {
	if err := (schedule.WeightedStrategy{}).Validate(); err == nil {
		t.Fatalf("expected error for empty variants")
	}
	bad := schedule.WeightedStrategy{Variants: []schedule.Variant{{Weight: -1, Schedule: variant(0, "x").Schedule}}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for negative weight")
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	weighted := schedule.WeightedStrategy{Variants: []schedule.Variant{
		variant(30, "control"),
		variant(70, "treatment"),
	}}
	data, err := schedule.MarshalStrategy(weighted)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := schedule.ParseStrategy(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := parsed.(schedule.WeightedStrategy)
	if !ok || len(got.Variants) != 2 || got.Variants[1].Schedule.Label != "treatment" {
		t.Fatalf("round trip lost variants: %+v", parsed)
	}

	if _, err := schedule.ParseStrategy([]byte(`{"type":"nope"}`)); err == nil {
		t.Fatalf("expected error for unknown strategy type")
	}
	if _, err := schedule.ParseStrategy([]byte(`garbage`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
