// Package auth provides authentication and authorisation for TappsHA Core.
//
// It implements a 3-tier role model (user → admin → owner) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Short-lived JWT access tokens validated by signature (no database hit)
//   - Static role checks for governance operations (approvals, emergency stop)
//
// Only admin and owner roles may decide approval requests or trigger
// emergency stops; regular users observe via realtime subscriptions.
package auth
