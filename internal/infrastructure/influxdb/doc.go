// Package influxdb provides time-series telemetry for TappsHA Core.
//
// Governance activity (lifecycle transitions, approval decisions,
// emergency stops) is written to InfluxDB as non-blocking batched points
// so that dashboards can track automation behaviour over time without
// touching the SQLite control-plane database.
//
// The integration is optional: when disabled in config the caller holds
// a nil *Client and skips the writes.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTransitionMetric("auto-7f3a", "active", 12.5)
package influxdb
