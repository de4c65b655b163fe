// Package platform bridges the lifecycle engine to the home-automation
// platform over MQTT. Automation definitions are published retained so
// the platform converges on the current config after a reconnect;
// retirement clears the retained messages.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wtthornton/tappsha-core/internal/infrastructure/mqtt"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// Logger defines the logging interface used by the adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher is the MQTT surface the adapter needs. *mqtt.Client
// satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// definition is the wire format for an automation on the config topic.
type definition struct {
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name"`
	Config     map[string]any `json:"config"`
	Version    int            `json:"version"`
	Enabled    bool           `json:"enabled"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// stateDoc is the wire format for an automation's desired state.
type stateDoc struct {
	ExternalID string    `json:"external_id"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Adapter implements lifecycle.Platform over an MQTT connection.
type Adapter struct {
	client Publisher
	topics mqtt.Topics
	logger Logger
}

// NewAdapter creates a platform adapter over the given MQTT client.
func NewAdapter(client Publisher, logger Logger) *Adapter {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Adapter{client: client, logger: logger}
}

// Activate deploys the automation's definition and marks it active.
func (p *Adapter) Activate(ctx context.Context, a *lifecycle.Automation) error {
	if err := p.publishDefinition(ctx, a, true); err != nil {
		return err
	}
	return p.publishState(ctx, a.ExternalID, lifecycle.StateActive)
}

// Deactivate pauses the automation on the platform without removing its
// definition.
func (p *Adapter) Deactivate(ctx context.Context, a *lifecycle.Automation) error {
	if err := p.publishDefinition(ctx, a, false); err != nil {
		return err
	}
	return p.publishState(ctx, a.ExternalID, lifecycle.StateInactive)
}

// Retire removes the automation from the platform by clearing its
// retained definition and state messages.
func (p *Adapter) Retire(ctx context.Context, a *lifecycle.Automation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// An empty retained payload deletes the retained message.
	if err := p.client.Publish(p.topics.AutomationConfig(a.ExternalID), nil, 1, true); err != nil {
		return p.wrap(err, "clearing definition for %s", a.ExternalID)
	}
	if err := p.client.Publish(p.topics.AutomationState(a.ExternalID), nil, 1, true); err != nil {
		return p.wrap(err, "clearing state for %s", a.ExternalID)
	}
	p.logger.Info("automation retired from platform", "external_id", a.ExternalID)
	return nil
}

func (p *Adapter) publishDefinition(ctx context.Context, a *lifecycle.Automation, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(definition{
		ExternalID: a.ExternalID,
		Name:       a.Name,
		Config:     a.Config,
		Version:    a.Version,
		Enabled:    enabled,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshalling definition for %s: %w", a.ExternalID, err)
	}

	if err := p.client.Publish(p.topics.AutomationConfig(a.ExternalID), payload, 1, true); err != nil {
		return p.wrap(err, "deploying definition for %s", a.ExternalID)
	}
	p.logger.Debug("definition deployed",
		"external_id", a.ExternalID, "version", a.Version, "enabled", enabled)
	return nil
}

func (p *Adapter) publishState(ctx context.Context, externalID string, state lifecycle.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(stateDoc{
		ExternalID: externalID,
		State:      string(state),
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshalling state for %s: %w", externalID, err)
	}

	if err := p.client.Publish(p.topics.AutomationState(externalID), payload, 1, true); err != nil {
		return p.wrap(err, "publishing state for %s", externalID)
	}
	return nil
}

// wrap maps transient broker failures onto lifecycle.ErrPlatformUnavailable
// so the engine's retry loop recognises them.
func (p *Adapter) wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, mqtt.ErrNotConnected) || errors.Is(err, mqtt.ErrTimeout) || errors.Is(err, mqtt.ErrPublishFailed) {
		return fmt.Errorf("%s: %w: %w", msg, lifecycle.ErrPlatformUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
