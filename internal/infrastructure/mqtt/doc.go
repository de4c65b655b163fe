// Package mqtt provides MQTT client connectivity for TappsHA Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// TappsHA uses MQTT as the boundary to the home-automation platform:
// automation definitions and desired lifecycle states are published to
// retained topics the platform consumes, and governance events are
// mirrored onto the bus for external services.
//
//	TappsHA Core ↔ MQTT Broker ↔ Home-Automation Platform
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.AutomationConfig("auto-7f3a")
//	err = client.Publish(topic, payload, 1, true)
package mqtt
