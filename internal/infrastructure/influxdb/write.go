package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTransitionMetric records a committed lifecycle transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - automationID: Internal automation identifier
//   - toState: The state the automation transitioned into
//   - durationMS: Wall time spent applying the transition (incl. platform push)
func (c *Client) WriteTransitionMetric(automationID string, toState string, durationMS float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"lifecycle_transitions",
		map[string]string{
			"automation_id": automationID,
			"to_state":      toState,
		},
		map[string]interface{}{
			"duration_ms": durationMS,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteApprovalMetric records a terminal approval decision.
//
// Parameters:
//   - workflowType: creation, modification, or retirement
//   - riskLevel: classified risk of the request
//   - approved: whether the request was approved
func (c *Client) WriteApprovalMetric(workflowType string, riskLevel string, approved bool) {
	if !c.IsConnected() {
		return
	}

	outcome := 0.0
	if approved {
		outcome = 1.0
	}

	point := write.NewPoint(
		"approvals",
		map[string]string{
			"workflow_type": workflowType,
			"risk_level":    riskLevel,
		},
		map[string]interface{}{
			"approved": outcome,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEmergencyStopMetric records an emergency stop with the number of
// automations affected and how many failed to stop.
func (c *Client) WriteEmergencyStopMetric(stopType string, affected int, failed int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"emergency_stops",
		map[string]string{
			"stop_type": stopType,
		},
		map[string]interface{}{
			"affected": affected,
			"failed":   failed,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., backfilled data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
