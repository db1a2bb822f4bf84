package endpoint

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/net/tcp"
)

// Client is the initiating endpoint: it dials Address:Port and redials
// whenever the connection is lost.
type Client struct {
	*Endpoint
}

func NewClient(c *config.Config) (*Client, error) {
	err := c.ValidateClient()
	if err != nil {
		return nil, err
	}

	dialer := tcp.NewDialer(c.Address, c.Port, c.TcpDialTimeoutDuration(), keepAlive(c))

	e, err := newEndpoint(c, "Client", config.ClientSendFrequency, dialer)
	if err != nil {
		return nil, err
	}

	return &Client{
		Endpoint: e,
	}, nil
}

// SetTargetAddress drops the current connection, healthy or not, and
// reconnects to host:port.
func (cl *Client) SetTargetAddress(host string, port uint16) error {
	if host == "" || port == 0 {
		return fmt.Errorf("%w: target %s:%d", ErrInvalidArgument, host, port)
	}

	dialer := tcp.NewDialer(host, port, cl.c.TcpDialTimeoutDuration(), keepAlive(cl.c))
	log.Info().Msgf("%s: target -> %s", cl.logPrefix, dialer.Address())

	cl.conn.SetConnector(dialer)
	return nil
}

func (cl *Client) dialer() *tcp.Dialer {
	dialer, ok := cl.conn.Connector().(*tcp.Dialer)
	if !ok {
		err := fmt.Errorf("%s: unexpected connector %v", cl.logPrefix, cl.conn.Connector())
		log.Error().Msgf("%s", err.Error())
		panic(err)
	}
	return dialer
}

func (cl *Client) TargetAddress() string {
	return cl.dialer().Host()
}

func (cl *Client) TargetPort() uint16 {
	return cl.dialer().Port()
}
