package wire

import "github.com/pkg/errors"

// ErrMissingKey indicates the handshake request lacked a Sec-WebSocket-Key header.
var ErrMissingKey = errors.New("missing Sec-WebSocket-Key header")

// ErrBadHandshake indicates the upgrade request was not a well-formed GET request.
var ErrBadHandshake = errors.New("bad handshake request")

// ErrTruncatedFrame indicates a frame ran off the end of the supplied buffer.
var ErrTruncatedFrame = errors.New("truncated frame")

// ErrMalformedFrame indicates a frame header that cannot be honoured.
var ErrMalformedFrame = errors.New("malformed frame")
