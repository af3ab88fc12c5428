// Package publish forwards scan steps to an MQTT broker so other processes
// can follow a run as it happens.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTPublisher publishes through a paho client.
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// Connect opens a client connection to broker, e.g. "tcp://localhost:1883".
func Connect(broker, clientID string) (*MQTTPublisher, error) {
	if broker == "" {
		return nil, errors.New("mqtt broker address is empty")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, token.Error())
	}
	return &MQTTPublisher{client: client, timeout: 5 * time.Second}, nil
}

// Publish sends payload and waits for the broker to acknowledge it.
func (p *MQTTPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %v", topic, p.timeout)
	}
	return token.Error()
}

// Close disconnects, allowing in-flight messages a short grace period.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// StepPublisher is a scan listener that publishes the newest step of every
// snapshot as JSON on Topic.
type StepPublisher struct {
	Pub      Publisher
	Topic    string
	QoS      byte
	Retained bool
	Log      *monitoring.Logger
}

// NewStepPublisher returns a StepPublisher for topic.
func NewStepPublisher(pub Publisher, topic string, qos byte, retained bool) *StepPublisher {
	return &StepPublisher{Pub: pub, Topic: topic, QoS: qos, Retained: retained, Log: monitoring.New("publish")}
}

// OnStep publishes the last step of snapshot.
func (s *StepPublisher) OnStep(snapshot *scan.Result) error {
	step, ok := snapshot.Metadata.LastStep()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step %d: %w", step.StepIndex, err)
	}
	if err := s.Pub.Publish(s.Topic, s.QoS, s.Retained, payload); err != nil {
		return fmt.Errorf("publish step %d: %w", step.StepIndex, err)
	}
	s.Log.Debugf("published step %d to %s", step.StepIndex, s.Topic)
	return nil
}

// Summary is published once a run completes.
type Summary struct {
	OutputDir     string                    `json:"output_dir,omitempty"`
	TotalSteps    int                       `json:"total_steps"`
	Interrupted   bool                      `json:"interrupted"`
	FinalReadings map[string]float64        `json:"final_readings"`
	ResponseModel *scan.ResponseModel       `json:"response_model,omitempty"`
	Optimization  *scan.OptimizationSummary `json:"bayesian_optimization,omitempty"`
}

// PublishResult publishes a summary of res on Topic + "/result", retained so
// late subscribers see the last outcome.
func (s *StepPublisher) PublishResult(res *scan.Result) error {
	sum := Summary{
		OutputDir:     res.OutputDir,
		TotalSteps:    res.Metadata.TotalSteps,
		Interrupted:   res.Metadata.Interrupted,
		FinalReadings: res.FinalReadings(),
		ResponseModel: res.Metadata.ResponseModel,
		Optimization:  res.Metadata.Optimization,
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return s.Pub.Publish(s.Topic+"/result", s.QoS, true, payload)
}
