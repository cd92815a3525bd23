// Package dispatch routes parsed client messages to their handlers.
//
// Each connection walks a three-state machine:
//
//	1. Unauthenticated: only auth is accepted. A valid auth message mints a
//	   fresh player identity and moves to Authenticated.
//	2. Authenticated: join_session binds the connection to a session
//	   (creating one when the key is unknown or absent) and moves to
//	   InSession. Re-joining from InSession is allowed and leaves the old
//	   session first.
//	3. InSession: player_update, game_event and chat broadcast within the
//	   session; leave_session returns to Authenticated.
//
// Misuse of auth and join_session is always answered with an error message.
// The high-frequency session-scoped payloads are answered with an error only
// for state-machine violations; payloads with missing fields are dropped
// silently. admin_command is accepted from any connection in any state.
//
// All handler failures are converted to an error reply to the offending
// connection at this boundary and never affect other connections.
package dispatch
