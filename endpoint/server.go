package endpoint

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/net/tcp"
)

// Server is the listening endpoint: it accepts one peer at a time on Port.
// Port 0 binds an ephemeral port, see ListenAddr.
type Server struct {
	*Endpoint
}

func NewServer(c *config.Config) (*Server, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	listener := tcp.NewListener(c.Port, c.TcpAcceptTimeoutDuration(), keepAlive(c))

	e, err := newEndpoint(c, "Server", config.ServerSendFrequency, listener)
	if err != nil {
		listener.Close()
		return nil, err
	}

	return &Server{
		Endpoint: e,
	}, nil
}

// SetListenPort drops the current connection and listening socket and
// listens on port instead.
func (s *Server) SetListenPort(port uint16) {
	listener := tcp.NewListener(port, s.c.TcpAcceptTimeoutDuration(), keepAlive(s.c))
	log.Info().Msgf("%s: listen port -> %d", s.logPrefix, port)

	s.conn.SetConnector(listener)
}

func (s *Server) listener() *tcp.Listener {
	listener, ok := s.conn.Connector().(*tcp.Listener)
	if !ok {
		err := fmt.Errorf("%s: unexpected connector %v", s.logPrefix, s.conn.Connector())
		log.Error().Msgf("%s", err.Error())
		panic(err)
	}
	return listener
}

// ListenPort is the configured port, 0 when ephemeral.
func (s *Server) ListenPort() uint16 {
	return s.listener().Port()
}

// ListenAddr is the bound address, nil until the socket is bound.
func (s *Server) ListenAddr() net.Addr {
	return s.listener().Addr()
}
