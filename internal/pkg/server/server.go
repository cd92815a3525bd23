package server

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jackalopelabs/jackalopes-server/internal/pkg/registry"
	"github.com/jackalopelabs/jackalopes-server/internal/pkg/wire"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// readBufferSize is the chunk size of each transport read.
const readBufferSize = 4096

// Server accepts raw TCP connections, performs the WebSocket handshake and
// feeds decoded traffic into the connection registry.
type Server struct {
	port     uint16
	registry *registry.Registry
}

// Cfg configures a Server.
type Cfg func(*Server) error

// WithPort sets the listen port.
func WithPort(port uint16) Cfg {
	return func(s *Server) error {
		s.port = port
		return nil
	}
}

// WithRegistry sets the connection registry.
func WithRegistry(reg *registry.Registry) Cfg {
	return func(s *Server) error {
		s.registry = reg
		return nil
	}
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfgs ...Cfg) (*Server, error) {
	server := &Server{}
	for _, cfg := range cfgs {
		if err := cfg(server); err != nil {
			return nil, errors.Wrap(err, "apply Server cfg failed")
		}
	}
	if server.registry == nil {
		return nil, errors.New("registry is required")
	}
	return server, nil
}

// Run listens until ctx is cancelled. Failures on the listening socket
// itself are fatal and returned to the caller; per-connection failures only
// tear down that connection.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d failed", s.port)
	}
	logger.WithField("port", s.port).Info("relay listening")

	go func() {
		<-ctx.Done()
		if closeErr := listener.Close(); closeErr != nil {
			logger.WithError(closeErr).Debug("listener close failed")
		}
		s.registry.CloseAll()
	}()

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(acceptErr, "accept failed")
		}
		go s.handleConn(conn)
	}
}

// handleConn owns one transport: handshake, then the frame read loop.
// Partial frames are buffered across reads; the registry consumes complete
// frames and reports how much of the buffer it used.
func (s *Server) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)

	headers, err := wire.ReadUpgrade(reader)
	if err != nil {
		logger.WithError(err).Debug("read upgrade failed")
		_ = conn.Close()
		return
	}
	response, err := wire.Handshake(headers)
	if err != nil {
		logger.WithError(err).Warn("handshake failed")
		_ = conn.Close()
		return
	}
	if _, err := conn.Write(response); err != nil {
		logger.WithError(err).Debug("write handshake response failed")
		_ = conn.Close()
		return
	}

	connID := s.registry.OnAccept(conn)

	var pending []byte
	chunk := make([]byte, readBufferSize)
	for {
		n, readErr := reader.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			consumed, dataErr := s.registry.OnData(connID, pending)
			if dataErr != nil {
				// The registry already closed the connection.
				return
			}
			pending = pending[consumed:]
		}
		if readErr != nil {
			s.registry.OnClose(connID)
			return
		}
	}
}
