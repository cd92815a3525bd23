package wire

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/pkg/errors"
)

// acceptGUID is the fixed GUID appended to the client key when computing
// the Sec-WebSocket-Accept token (RFC 6455 section 4.2.2).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Frame opcodes used by the relay. Other opcodes are consumed but ignored.
const (
	OpcodeText  byte = 0x1
	OpcodeClose byte = 0x8
)

// maxPayloadSize caps a single frame payload below 4 GiB so 64-bit length
// extensions fit in an int on all supported platforms.
const maxPayloadSize = 1 << 32

// Frame is one decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// AcceptToken computes the Sec-WebSocket-Accept value for a client key.
func AcceptToken(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadUpgrade reads the HTTP upgrade request's header block from the raw
// stream and returns the request headers.
func ReadUpgrade(r *bufio.Reader) (textproto.MIMEHeader, error) {
	tp := textproto.NewReader(r)
	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, errors.Wrap(err, "read request line failed")
	}
	if !strings.HasPrefix(requestLine, "GET ") {
		return nil, errors.Wrapf(ErrBadHandshake, "unexpected request line %q", requestLine)
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, errors.Wrap(err, "read handshake headers failed")
	}
	return headers, nil
}

// Handshake computes the 101 Switching Protocols response that accepts a
// WebSocket upgrade. It fails with ErrMissingKey when the client did not
// supply a Sec-WebSocket-Key header.
func Handshake(headers textproto.MIMEHeader) ([]byte, error) {
	key := headers.Get("Sec-Websocket-Key")
	if key == "" {
		return nil, ErrMissingKey
	}
	response := strings.Join([]string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		fmt.Sprintf("Sec-WebSocket-Accept: %s", AcceptToken(key)),
		"\r\n",
	}, "\r\n")
	return []byte(response), nil
}

// DecodeFrame decodes the first frame in buf, returning the frame and the
// number of bytes consumed. Masked payloads are unmasked in place. The
// decoder never reads past buf; a frame that runs off the end of the buffer
// fails with ErrTruncatedFrame, which callers holding a partial read treat
// as "wait for more bytes".
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, errors.Wrap(ErrTruncatedFrame, "frame header")
	}
	first := buf[0]
	second := buf[1]
	frame := Frame{
		Fin:    first&0x80 != 0,
		Opcode: first & 0x0f,
		Masked: second&0x80 != 0,
	}
	payloadLen := int(second & 0x7f)
	offset := 2

	switch payloadLen {
	case 126:
		if len(buf)-offset < 2 {
			return Frame{}, 0, errors.Wrap(ErrTruncatedFrame, "extended 16-bit length")
		}
		payloadLen = int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf)-offset < 8 {
			return Frame{}, 0, errors.Wrap(ErrTruncatedFrame, "extended 64-bit length")
		}
		length := binary.BigEndian.Uint64(buf[offset:])
		if length >= maxPayloadSize {
			return Frame{}, 0, errors.Wrapf(ErrMalformedFrame, "payload length %d exceeds limit", length)
		}
		payloadLen = int(length)
		offset += 8
	}

	var maskingKey []byte
	if frame.Masked {
		if len(buf)-offset < 4 {
			return Frame{}, 0, errors.Wrap(ErrTruncatedFrame, "masking key")
		}
		maskingKey = buf[offset : offset+4]
		offset += 4
	}

	if len(buf)-offset < payloadLen {
		return Frame{}, 0, errors.Wrap(ErrTruncatedFrame, "payload")
	}
	frame.Payload = buf[offset : offset+payloadLen]
	offset += payloadLen

	if frame.Masked {
		for i := range frame.Payload {
			frame.Payload[i] ^= maskingKey[i%4]
		}
	}
	return frame, offset, nil
}

// DecodeFrames decodes all frames contained in buf. The buffer must hold
// complete frames only.
func DecodeFrames(buf []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0
	for offset < len(buf) {
		frame, n, err := DecodeFrame(buf[offset:])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		offset += n
	}
	return frames, nil
}

// EncodeText encodes msg as a single unmasked text frame. Server-to-client
// frames are never masked.
func EncodeText(msg []byte) []byte {
	return encodeFrame(OpcodeText, msg)
}

// EncodeClose encodes an empty close frame.
func EncodeClose() []byte {
	return encodeFrame(OpcodeClose, nil)
}

func encodeFrame(opcode byte, payload []byte) []byte {
	payloadLen := len(payload)
	var header []byte
	switch {
	case payloadLen <= 125:
		header = make([]byte, 2)
		header[1] = byte(payloadLen)
	case payloadLen <= 65535:
		header = make([]byte, 4)
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(payloadLen))
	default:
		header = make([]byte, 10)
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(payloadLen))
	}
	header[0] = 0x80 | opcode

	frame := make([]byte, 0, len(header)+payloadLen)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	return frame
}

// WriteText encodes msg and writes it to w in full.
func WriteText(w io.Writer, msg []byte) error {
	if _, err := w.Write(EncodeText(msg)); err != nil {
		return errors.Wrap(err, "write text frame failed")
	}
	return nil
}
