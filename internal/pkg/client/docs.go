// Package client implements a relay client on top of gorilla/websocket.
//
// The client performs the following steps:
//	1. Dial the relay and wait for the welcome message.
//	2. Authenticate with the configured display name.
//	3. Join the configured session, or create a fresh one when no key is
//	   given.
//	4. Send periodic player_update messages while tracking the session
//	   roster and the latest game_snapshot from the server.
//	5. On shutdown, leave the session and close the connection.
//
// Because the relay's server side speaks the WebSocket wire protocol
// directly, running this client against it doubles as an interoperability
// check of the hand-rolled codec.
package client
