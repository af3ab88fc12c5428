package scan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCombinations_Order(t *testing.T) {
	combos := Combinations([]Actuator{
		{Name: "X", Values: []float64{1, 2}},
		{Name: "Y", Values: []float64{10, 20, 30}},
	}, 1)

	want := []map[string]float64{
		{"X": 1, "Y": 10}, {"X": 1, "Y": 20}, {"X": 1, "Y": 30},
		{"X": 2, "Y": 10}, {"X": 2, "Y": 20}, {"X": 2, "Y": 30},
	}
	if diff := cmp.Diff(want, combos); diff != "" {
		t.Errorf("combinations mismatch (-want +got):\n%s", diff)
	}
}

func TestCombinations_Repeat(t *testing.T) {
	combos := Combinations([]Actuator{{Name: "X", Values: []float64{1, 2}}}, 3)
	if len(combos) != 6 {
		t.Fatalf("expected 6 combinations, got %d", len(combos))
	}
	for i, c := range combos {
		want := float64(i%2 + 1)
		if c["X"] != want {
			t.Errorf("combo %d: expected X=%v, got %v", i, want, c["X"])
		}
	}
}

func TestCombinations_Empty(t *testing.T) {
	if got := Combinations(nil, 1); got != nil {
		t.Errorf("expected nil for no actuators, got %v", got)
	}
	got := Combinations([]Actuator{{Name: "X", Values: []float64{1}}, {Name: "Y"}}, 1)
	if got != nil {
		t.Errorf("expected nil for an empty domain, got %v", got)
	}
}

func TestGenerateRange(t *testing.T) {
	tests := []struct {
		name           string
		min, max, step float64
		want           []float64
	}{
		{"simple", 0, 1, 0.25, []float64{0, 0.25, 0.5, 0.75, 1}},
		{"tenths", 0, 0.3, 0.1, []float64{0, 0.1, 0.2, 0.3}},
		{"negative", -1, 1, 1, []float64{-1, 0, 1}},
		{"single", 2, 2, 1, []float64{2}},
		{"inverted", 2, 1, 1, nil},
		{"zero step", 0, 1, 0, nil},
		{"too many", 0, 1, 1e-6, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRange(tt.min, tt.max, tt.step)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GenerateRange(%v, %v, %v) mismatch (-want +got):\n%s", tt.min, tt.max, tt.step, diff)
			}
		})
	}
}

func TestParseValues(t *testing.T) {
	got, err := ParseValues("0:1:0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 0.5, 1}, got); diff != "" {
		t.Errorf("range mismatch (-want +got):\n%s", diff)
	}

	got, err = ParseValues(" 1, 2.5 ,-3 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2.5, -3}, got); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	if got, err := ParseValues(""); err != nil || got != nil {
		t.Errorf("expected nil, nil for empty input, got %v, %v", got, err)
	}

	for _, bad := range []string{"0:1", "a:1:1", "0:1:0", "1:0:1", "1,x"} {
		if _, err := ParseValues(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
