// Package server is the WebSocket and HTTP transport of the realtime layer.
//
// A connection is authenticated before the upgrade, registered with the hub
// and joined to its personal user room. Inbound frames of the form
// {"event": name, "data": payload} join and leave channel, direct message
// and team presence rooms or relay typing indicators. Outbound frames are
// produced by the fan-out bus; several frames may share one WebSocket text
// message, separated by newlines.
//
// The REST endpoints under /api send, edit, delete and react to messages,
// open and list direct message threads and manage membership records.
package server
