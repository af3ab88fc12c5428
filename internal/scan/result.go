package scan

import "time"

// Step is one recorded point of a sweep. Steps are appended in order and
// never modified afterwards.
type Step struct {
	StepIndex   int                `json:"step_index"`
	MotorValues map[string]float64 `json:"motor_values"`
	MeterData   map[string]float64 `json:"meter_data"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Parameters is the snapshot of the options a scan ran with.
type Parameters struct {
	Save                    bool    `json:"save"`
	VerifyMotor             bool    `json:"verify_motor"`
	MaxRetries              int     `json:"max_retries"`
	Delay                   float64 `json:"delay"`
	Tolerance               float64 `json:"tolerance"`
	SampleSize              int     `json:"sample_size"`
	Parallel                bool    `json:"parallel"`
	Repeat                  int     `json:"repeat"`
	SaveOriginalMotorValues bool    `json:"save_original_motor_values"`
	Dirname                 string  `json:"dirname,omitempty"`
}

// ResponseModel is the linear actuator to sensor model produced by
// calibration. Jacobian rows follow Actuators, columns follow Sensors.
type ResponseModel struct {
	Actuators        []string           `json:"actuators"`
	Sensors          []string           `json:"sensors"`
	BaselineReadings map[string]float64 `json:"baseline_meter_values"`
	Jacobian         [][]float64        `json:"jacobian"`
	PseudoInverse    [][]float64        `json:"pseudo_inverse"`
	Rank             int                `json:"rank"`
	Directions       int                `json:"directions"`
	Targets          map[string]float64 `json:"targets"`
	Corrections      map[string]float64 `json:"corrections"`
	FinalSettings    map[string]float64 `json:"final_settings"`
}

// Clone returns a deep copy of m.
func (m *ResponseModel) Clone() *ResponseModel {
	if m == nil {
		return nil
	}
	c := *m
	c.Actuators = append([]string(nil), m.Actuators...)
	c.Sensors = append([]string(nil), m.Sensors...)
	c.BaselineReadings = copyFloats(m.BaselineReadings)
	c.Jacobian = copyMatrix(m.Jacobian)
	c.PseudoInverse = copyMatrix(m.PseudoInverse)
	c.Targets = copyFloats(m.Targets)
	c.Corrections = copyFloats(m.Corrections)
	c.FinalSettings = copyFloats(m.FinalSettings)
	return &c
}

// OptimizationSummary records the outcome of an optimisation run.
type OptimizationSummary struct {
	BestSettings map[string]float64 `json:"best_settings"`
	BestValue    float64            `json:"best_value"`
}

// Metadata describes a scan and carries its full step history. When a scan
// is run with prior metadata the history is cumulative.
type Metadata struct {
	ScanStartTime       time.Time            `json:"scan_start_time"`
	ScanEndTime         time.Time            `json:"scan_end_time"`
	Motors              []string             `json:"motors"`
	Meters              []string             `json:"meters"`
	MotorRanges         map[string]Range     `json:"motor_ranges,omitempty"`
	MeterRanges         map[string]Range     `json:"meter_ranges,omitempty"`
	OriginalMotorValues map[string]float64   `json:"original_motor_values"`
	Parameters          Parameters           `json:"parameters"`
	Steps               []Step               `json:"steps"`
	TotalSteps          int                  `json:"total_steps"`
	Interrupted         bool                 `json:"interrupted,omitempty"`
	RestoreErrors       []string             `json:"restore_errors,omitempty"`
	ResponseMatrix      [][]float64          `json:"response_matrix,omitempty"`
	ResponseModel       *ResponseModel       `json:"response_model,omitempty"`
	Optimization        *OptimizationSummary `json:"bayesian_optimization,omitempty"`
}

// Clone returns a deep copy of m. Step maps are shared because steps are
// immutable once recorded.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Motors = append([]string(nil), m.Motors...)
	c.Meters = append([]string(nil), m.Meters...)
	if m.MotorRanges != nil {
		c.MotorRanges = make(map[string]Range, len(m.MotorRanges))
		for k, v := range m.MotorRanges {
			c.MotorRanges[k] = v
		}
	}
	if m.MeterRanges != nil {
		c.MeterRanges = make(map[string]Range, len(m.MeterRanges))
		for k, v := range m.MeterRanges {
			c.MeterRanges[k] = v
		}
	}
	c.OriginalMotorValues = copyFloats(m.OriginalMotorValues)
	c.Steps = append([]Step(nil), m.Steps...)
	c.RestoreErrors = append([]string(nil), m.RestoreErrors...)
	c.ResponseMatrix = copyMatrix(m.ResponseMatrix)
	c.ResponseModel = m.ResponseModel.Clone()
	if m.Optimization != nil {
		o := *m.Optimization
		o.BestSettings = copyFloats(m.Optimization.BestSettings)
		c.Optimization = &o
	}
	return &c
}

// LastStep returns the most recent step, if any.
func (m *Metadata) LastStep() (Step, bool) {
	if m == nil || len(m.Steps) == 0 {
		return Step{}, false
	}
	return m.Steps[len(m.Steps)-1], true
}

// Result is what a scan returns: the derived point lookup index for the
// steps taken by this invocation, and the metadata with the step history.
type Result struct {
	Data     Index    `json:"data"`
	Metadata Metadata `json:"metadata"`

	// OutputDir is the directory the result was saved to, empty if unsaved.
	OutputDir string `json:"-"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	return &Result{
		Data:      r.Data.Clone(),
		Metadata:  *r.Metadata.Clone(),
		OutputDir: r.OutputDir,
	}
}

// FinalReadings returns the sensor readings of the last step.
func (r *Result) FinalReadings() map[string]float64 {
	step, ok := r.Metadata.LastStep()
	if !ok {
		return nil
	}
	return copyFloats(step.MeterData)
}
