// Package wire implements the WebSocket wire protocol spoken by the relay.
//
// The relay terminates WebSocket connections itself rather than delegating
// to a library, so this package covers the full server-side surface:
//
//	1. ReadUpgrade parses the HTTP upgrade request from the raw stream.
//	2. Handshake computes the 101 response, deriving the accept token as
//	   base64(SHA-1(clientKey + GUID)).
//	3. DecodeFrames splits an inbound buffer into frames, handling the
//	   7-bit/16-bit/64-bit length encodings and unmasking client payloads.
//	4. EncodeText/EncodeClose build unmasked server-to-client frames.
//
// The decoder's contract assumes complete frames: callers buffer partial
// reads and retry once more bytes arrive (see the server package's read
// loop). Decode failures are terminal for the connection.
package wire
