// Package realtime delivers governance notifications to connected
// clients. A Registry tracks WebSocket sessions and their
// authentication state, a Broker routes published events to exact and
// wildcard subscribers, a Limiter bounds inbound message rates per
// session, and a Dispatcher shapes domain events into the single
// notification envelope that goes over the wire.
//
// The package owns no transport. The api package registers sessions
// with a Sink that wraps the underlying connection; the realtime layer
// only decides who receives what.
package realtime
