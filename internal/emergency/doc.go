// Package emergency implements the emergency stop coordinator: forcing
// automations inactive past the normal transition rules, sweeping
// pending approvals, and running auditable recovery afterwards.
package emergency
