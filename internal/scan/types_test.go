package scan

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestValueKey(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{-0.0, "0"},
		{1, "1"},
		{0.1 + 0.2, "0.3"},
		{-2.5, "-2.5"},
		{1e-3, "0.001"},
		{123456.789, "123456.789"},
	}
	for _, tt := range tests {
		if got := ValueKey(tt.in); got != tt.want {
			t.Errorf("ValueKey(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if ValueKey(0.3) != ValueKey(0.1+0.2) {
		t.Error("expected 0.3 and 0.1+0.2 to share a key")
	}
	if ValueKey(-1e-12) != "0" {
		t.Errorf("expected values below the resolution to key as 0, got %q", ValueKey(-1e-12))
	}

	distinct := [][2]float64{
		{1e12, 1e12 + 0.5},
		{123456.789, 123456.789000002},
		{5e6, 5e6 + 1e-8},
		{-2.5, -2.500000001},
	}
	for _, pair := range distinct {
		if ValueKey(pair[0]) == ValueKey(pair[1]) {
			t.Errorf("expected %v and %v to have distinct keys, both got %q", pair[0], pair[1], ValueKey(pair[0]))
		}
	}
}

func TestIndex_LargeValuesDoNotCollide(t *testing.T) {
	x := BuildIndex([]Step{
		{StepIndex: 1, MotorValues: map[string]float64{"A": 1e12}, MeterData: map[string]float64{"S": 1}},
		{StepIndex: 2, MotorValues: map[string]float64{"A": 1e12 + 0.5}, MeterData: map[string]float64{"S": 2}},
	})
	for v, want := range map[float64]float64{1e12: 1, 1e12 + 0.5: 2} {
		got, ok := x.Lookup("A", v)
		if !ok || got["S"] != want {
			t.Errorf("Lookup(A, %v) = %v, %v; expected S = %v", v, got, ok, want)
		}
	}
}

func TestRangeJSON(t *testing.T) {
	data, err := json.Marshal(Range{Low: -1, High: 2.5})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "[-1,2.5]" {
		t.Errorf("expected [-1,2.5], got %s", data)
	}

	var r Range
	if err := json.Unmarshal([]byte("[0, 10]"), &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if r.Low != 0 || r.High != 10 {
		t.Errorf("unexpected range %+v", r)
	}
	if err := json.Unmarshal([]byte("[1]"), &r); err == nil {
		t.Error("expected error for a single value")
	}
	if !r.Contains(10) || !r.Contains(0) || r.Contains(10.0001) {
		t.Error("Contains should include bounds only")
	}
}

func TestRangeJSON_OpenBound(t *testing.T) {
	data, err := json.Marshal(Range{Low: math.Inf(-1), High: 5})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "[null,5]" {
		t.Errorf("expected [null,5], got %s", data)
	}

	var r Range
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !math.IsInf(r.Low, -1) || r.High != 5 {
		t.Errorf("unexpected range %+v", r)
	}
	if !r.Contains(-1e300) || r.Contains(6) {
		t.Error("open lower bound should admit any value up to High")
	}
}

func TestActuatorOffDelta(t *testing.T) {
	a := Actuator{Name: "A", Values: []float64{3, 0.5}}
	if a.Off() != 3 || a.Delta() != 0.5 {
		t.Errorf("unexpected off/delta %v/%v", a.Off(), a.Delta())
	}
	var empty Actuator
	if empty.Off() != 0 || empty.Delta() != 0 {
		t.Error("expected zeros for an empty domain")
	}
}

func TestFixed(t *testing.T) {
	got := Fixed([]Actuator{{Name: "A", Values: []float64{1, 2}}, {Name: "B"}}, map[string]float64{"A": 7, "B": -1})
	if len(got) != 2 || got[0].Values[0] != 7 || got[1].Values[0] != -1 || got[0].Name != "A" {
		t.Errorf("unexpected fixed actuators %+v", got)
	}
}

func TestBuildIndex(t *testing.T) {
	steps := []Step{
		{StepIndex: 1, MotorValues: map[string]float64{"A": 0.1 + 0.2}, MeterData: map[string]float64{"S": 1}},
		{StepIndex: 2, MotorValues: map[string]float64{"A": 1}, MeterData: map[string]float64{"S": 2}},
		{StepIndex: 3, MotorValues: map[string]float64{"A": 0.3}, MeterData: map[string]float64{"S": 3}},
	}
	x := BuildIndex(steps)

	readings, ok := x.Lookup("A", 0.3)
	if !ok || readings["S"] != 3 {
		t.Errorf("expected the later visit to win, got %v %v", readings, ok)
	}
	if len(x["A"]) != 2 {
		t.Errorf("expected 2 distinct keys, got %d", len(x["A"]))
	}
	if _, ok := x.Lookup("Z", 0); ok {
		t.Error("expected miss for unknown actuator")
	}
	if _, ok := x.Lookup("A", 5); ok {
		t.Error("expected miss for unknown value")
	}
}

func TestResultClone(t *testing.T) {
	r := &Result{
		Data: BuildIndex([]Step{{MotorValues: map[string]float64{"A": 1}, MeterData: map[string]float64{"S": 1}}}),
		Metadata: Metadata{
			Steps:               []Step{{StepIndex: 1, Timestamp: time.Unix(0, 0)}},
			OriginalMotorValues: map[string]float64{"A": 0},
			ResponseModel:       &ResponseModel{Jacobian: [][]float64{{1}}},
			Optimization:        &OptimizationSummary{BestSettings: map[string]float64{"A": 1}},
		},
	}
	c := r.Clone()
	c.Data["A"]["1"]["S"] = 9
	c.Metadata.Steps[0].StepIndex = 9
	c.Metadata.OriginalMotorValues["A"] = 9
	c.Metadata.ResponseModel.Jacobian[0][0] = 9
	c.Metadata.Optimization.BestSettings["A"] = 9

	if r.Data["A"]["1"]["S"] != 1 || r.Metadata.Steps[0].StepIndex != 1 ||
		r.Metadata.OriginalMotorValues["A"] != 0 || r.Metadata.ResponseModel.Jacobian[0][0] != 1 ||
		r.Metadata.Optimization.BestSettings["A"] != 1 {
		t.Error("clone shares state with the original")
	}
}

func TestFinalReadings(t *testing.T) {
	r := &Result{}
	if r.FinalReadings() != nil {
		t.Error("expected nil readings without steps")
	}
	r.Metadata.Steps = []Step{{MeterData: map[string]float64{"S": 1}}, {MeterData: map[string]float64{"S": 2}}}
	if got := r.FinalReadings(); got["S"] != 2 {
		t.Errorf("expected last step readings, got %v", got)
	}
}
