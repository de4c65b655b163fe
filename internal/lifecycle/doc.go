// Package lifecycle manages automation governance state.
//
// Every automation moves through a fixed state machine
// (pending_approval → active ⇄ inactive → retired) and every state change
// is appended to an immutable audit trail with a per-automation monotonic
// sequence number. The engine serialises writes per automation, deploys
// changes to the home-automation platform with bounded retry, and
// publishes committed transitions to the realtime layer.
package lifecycle
