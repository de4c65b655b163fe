// Package backup snapshots automation configs before destructive
// approvals and restores them on demand. Every snapshot carries a
// SHA-256 checksum; a snapshot that fails verification is never restored.
package backup
