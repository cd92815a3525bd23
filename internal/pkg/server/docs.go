// Package server implements the relay's transport accept loop.
//
// The server performs the following steps:
//	1. Listens for raw TCP connections on the configured port.
//	2. On connect, reads the HTTP upgrade request and answers the WebSocket
//	   handshake using the wire package; the relay speaks the wire protocol
//	   itself rather than delegating to a websocket library.
//	3. Hands the upgraded transport to the connection registry, which sends
//	   the welcome message and owns the connection from then on.
//	4. Reads the transport in chunks, accumulating partial frames until the
//	   registry can consume complete ones.
//	5. On read failure or close frame, the registry tears the connection
//	   down, removing it from its session before any further broadcast.
//
// Only failures on the listening socket itself are fatal; everything else
// is contained to the connection that caused it.
package server
