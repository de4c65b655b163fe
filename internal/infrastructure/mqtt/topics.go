package mqtt

import "fmt"

// Topic prefixes for the TappsHA MQTT namespace.
//
// The home-automation platform consumes automation definitions from the
// automation topics; event topics mirror governance notifications onto the
// bus for other services (telemetry, external dashboards).
const (
	// TopicPrefix is the base for all TappsHA topics.
	TopicPrefix = "tappsha"

	// TopicPrefixAutomation is the base for automation definition topics.
	TopicPrefixAutomation = "tappsha/automation"

	// TopicPrefixEvent is the base for governance event topics.
	TopicPrefixEvent = "tappsha/event"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "tappsha/system"
)

// Topics provides builders for TappsHA MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cfgTopic := topics.AutomationConfig("auto-7f3a")
//	// Returns: "tappsha/automation/auto-7f3a/config"
type Topics struct{}

// AutomationConfig returns the topic carrying an automation's definition.
// Published retained so the platform picks up the current definition on
// (re)connect.
//
// Example: tappsha/automation/auto-7f3a/config
func (Topics) AutomationConfig(externalID string) string {
	return fmt.Sprintf("%s/%s/config", TopicPrefixAutomation, externalID)
}

// AutomationState returns the topic carrying an automation's desired
// lifecycle state (active, inactive, retired).
//
// Example: tappsha/automation/auto-7f3a/state
func (Topics) AutomationState(externalID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixAutomation, externalID)
}

// AutomationAck returns the topic for platform acknowledgements.
//
// Example: tappsha/automation/auto-7f3a/ack
func (Topics) AutomationAck(externalID string) string {
	return fmt.Sprintf("%s/%s/ack", TopicPrefixAutomation, externalID)
}

// Event returns the topic for a governance event type.
//
// Example: tappsha/event/lifecycle_update
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvent, eventType)
}

// SystemStatus returns the system status topic used for online/offline
// (LWT) messages.
//
// Example: tappsha/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllAutomationAcks returns a pattern matching every platform ack.
//
// Pattern: tappsha/automation/+/ack
func (Topics) AllAutomationAcks() string {
	return fmt.Sprintf("%s/+/ack", TopicPrefixAutomation)
}
