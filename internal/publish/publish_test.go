package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, qos, retained, payload})
	return nil
}

func snapshot(n int) *scan.Result {
	res := &scan.Result{}
	for i := 1; i <= n; i++ {
		res.Metadata.Steps = append(res.Metadata.Steps, scan.Step{
			StepIndex:   i,
			MotorValues: map[string]float64{"A": float64(i)},
			MeterData:   map[string]float64{"S": float64(2 * i)},
			Timestamp:   time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
		})
	}
	return res
}

func TestStepPublisher_PublishesLastStep(t *testing.T) {
	pub := &fakePublisher{}
	sp := NewStepPublisher(pub, "motorscan/steps", 1, false)
	sp.Log = monitoring.Nop()

	require.NoError(t, sp.OnStep(snapshot(3)))
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "motorscan/steps", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var step scan.Step
	require.NoError(t, json.Unmarshal(msg.payload, &step))
	assert.Equal(t, 3, step.StepIndex)
	assert.Equal(t, 6.0, step.MeterData["S"])
}

func TestStepPublisher_EmptySnapshot(t *testing.T) {
	pub := &fakePublisher{}
	sp := NewStepPublisher(pub, "t", 0, false)
	require.NoError(t, sp.OnStep(snapshot(0)))
	assert.Empty(t, pub.msgs)
}

func TestStepPublisher_Error(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	sp := NewStepPublisher(pub, "t", 0, false)
	err := sp.OnStep(snapshot(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestStepPublisher_PublishResult(t *testing.T) {
	pub := &fakePublisher{}
	sp := NewStepPublisher(pub, "motorscan/steps", 0, false)

	res := snapshot(2)
	res.Metadata.TotalSteps = 2
	res.OutputDir = "data/x"
	res.Metadata.Optimization = &scan.OptimizationSummary{BestSettings: map[string]float64{"A": 1}, BestValue: 0.5}
	require.NoError(t, sp.PublishResult(res))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "motorscan/steps/result", pub.msgs[0].topic)
	assert.True(t, pub.msgs[0].retained)

	var sum Summary
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &sum))
	assert.Equal(t, 2, sum.TotalSteps)
	assert.Equal(t, "data/x", sum.OutputDir)
	assert.Equal(t, 4.0, sum.FinalReadings["S"])
	require.NotNil(t, sum.Optimization)
	assert.Equal(t, 0.5, sum.Optimization.BestValue)
}

func TestConnect_RequiresBroker(t *testing.T) {
	_, err := Connect("", "id")
	assert.Error(t, err)
}
