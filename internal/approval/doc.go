// Package approval implements the governance approval workflow.
//
// Every change to an automation (creation, modification, retirement)
// enters as a request, is risk-classified, and waits for an admin
// decision unless the policy auto-approves its risk level. Approval
// executes the change through the lifecycle engine, snapshotting the
// automation first for destructive workflows. Decisions are idempotent:
// repeating one is a no-op, crossing one fails with a conflict.
package approval
