// Package api provides the HTTP REST API and WebSocket server for TappsHA.
//
// It exposes the automation governance surface (lifecycle, approvals,
// backups, emergency stop, suggestions) and the realtime notification
// channel to user interfaces (web dashboard, mobile apps).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
