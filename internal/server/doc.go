// Package server implements the relay's HTTP and WebSocket server.
//
// The Hub is the broadcast engine: it keeps the registry of active clients,
// replays recent history to each client as it joins, persists every inbound
// message and fans it out to all clients, sender included. Clients own a
// bounded outbound queue drained by their own write pump, so a stalled peer
// never holds up the hub.
//
// Configuration, routing, origin checks and HTTP handlers live in their own
// files to keep the engine small and testable.
package server
