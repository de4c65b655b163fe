package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wtthornton/tappsha-core/internal/infrastructure/mqtt"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Executions is the surface the ack listener needs from the lifecycle
// engine to record platform execution results.
type Executions interface {
	GetByExternalID(ctx context.Context, externalID string) (*lifecycle.Automation, error)
	RecordExecution(ctx context.Context, id string, success bool, durationMS float64) error
}

// ack is the wire format the platform publishes after each automation run.
type ack struct {
	Success    bool    `json:"success"`
	DurationMS float64 `json:"duration_ms"`
}

// AckListener consumes platform execution acknowledgements and feeds
// them into the lifecycle engine's execution stats.
type AckListener struct {
	client     Publisher
	executions Executions
	topics     mqtt.Topics
	logger     Logger
}

// NewAckListener creates a listener over the given MQTT client.
func NewAckListener(client Publisher, executions Executions, logger Logger) *AckListener {
	if logger == nil {
		logger = noopLogger{}
	}
	return &AckListener{client: client, executions: executions, logger: logger}
}

// Start subscribes to the platform's ack topics. The subscription
// survives reconnects; acks arriving for unknown or retired automations
// are logged and dropped.
func (l *AckListener) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return l.handleAck(ctx, topic, payload)
	}
	if err := l.client.Subscribe(l.topics.AllAutomationAcks(), 1, handler); err != nil {
		return fmt.Errorf("subscribing to platform acks: %w", err)
	}
	l.logger.Info("listening for platform acks", "topic", l.topics.AllAutomationAcks())
	return nil
}

func (l *AckListener) handleAck(ctx context.Context, topic string, payload []byte) error {
	externalID, ok := externalIDFromAckTopic(topic)
	if !ok {
		l.logger.Warn("malformed ack topic", "topic", topic)
		return nil
	}

	var a ack
	if err := json.Unmarshal(payload, &a); err != nil {
		l.logger.Warn("malformed ack payload", "topic", topic, "error", err)
		return nil
	}

	automation, err := l.executions.GetByExternalID(ctx, externalID)
	if err != nil {
		l.logger.Debug("ack for unknown automation dropped", "external_id", externalID)
		return nil
	}

	if err := l.executions.RecordExecution(ctx, automation.ID, a.Success, a.DurationMS); err != nil {
		return fmt.Errorf("recording execution for %s: %w", automation.ID, err)
	}
	return nil
}

// externalIDFromAckTopic extracts the external ID from
// "tappsha/automation/<external_id>/ack".
func externalIDFromAckTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "ack" {
		return "", false
	}
	if parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
