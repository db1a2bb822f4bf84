package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/metrics"
	"github.com/Meander-Cloud/go-valsync/net/tcp/protocol"
)

var (
	ErrNotConnected = errors.New("tcp: not connected")
	ErrDisconnected = errors.New("tcp: connection lost")
	ErrClosed       = errors.New("tcp: closed")
)

const (
	// log every failed attempt at debug, and every Nth consecutive one at warn
	reconnectLogEvery uint32 = 10
)

type Options struct {
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	Metrics           metrics.Collector

	LogPrefix string
	LogDebug  bool
}

type connState struct {
	connID     uint32
	conn       net.Conn
	reader     *protocol.Reader
	descriptor string
}

// ManagedConn owns a single transport socket and keeps it established for as
// long as Run is executing. Send may be called from any goroutine; Receive
// must only be called from one goroutine at a time.
type ManagedConn struct {
	options *Options
	metrics metrics.Collector

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex     sync.Mutex
	connector Connector
	configSeq uint64
	state     State
	connState *connState    // current active tcp connection, if any
	ready     chan struct{} // closed while state is Connected
	wakech    chan struct{}
	failures  uint32

	writeMutex sync.Mutex
}

func NewManagedConn(options *Options, connector Connector) (*ManagedConn, error) {
	if connector == nil {
		err := fmt.Errorf("%s: nil Connector", options.LogPrefix)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	if options.ReconnectInterval <= 0 {
		err := fmt.Errorf("%s: invalid ReconnectInterval=%v", options.LogPrefix, options.ReconnectInterval)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	p := &ManagedConn{
		options: options,
		metrics: metrics.OrNop(options.Metrics),

		connIDGen: atomic.Uint32{},

		mutex:     sync.Mutex{},
		connector: connector,
		configSeq: 0,
		state:     StateDisconnected,
		connState: nil,
		ready:     make(chan struct{}),
		wakech:    make(chan struct{}, 1),
		failures:  0,

		writeMutex: sync.Mutex{},
	}

	return p, nil
}

// Run is the reconnect loop. It returns once ctx is done, after closing the
// socket and releasing the connector.
func (p *ManagedConn) Run(ctx context.Context) {
	log.Info().Msgf("%s: reconnect loop started, connector=%v", p.options.LogPrefix, p.Connector())
	defer p.release()

	for {
		if ctx.Err() != nil {
			return
		}

		if p.State() == StateConnected {
			select {
			case <-ctx.Done():
				return
			case <-p.wakech:
			}
			continue
		}

		if p.attempt(ctx) {
			continue
		}

		timer := time.NewTimer(p.options.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wakech:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// invoked on Run goroutine
func (p *ManagedConn) attempt(ctx context.Context) bool {
	p.mutex.Lock()
	connector := p.connector
	seq := p.configSeq
	p.setStateLocked(StateConnecting)
	p.mutex.Unlock()

	conn, err := connector.AttemptConnect(ctx)
	if err != nil {
		p.mutex.Lock()
		if p.state == StateConnecting {
			p.setStateLocked(StateDisconnected)
		}
		p.failures++
		failures := p.failures
		p.mutex.Unlock()

		p.metrics.ConnectAttempt(false)

		switch {
		case ctx.Err() != nil:
		case isAcceptTimeout(err):
			if p.options.LogDebug {
				log.Debug().Msgf("%s: %v: no peer within accept window", p.options.LogPrefix, connector)
			}
		case failures%reconnectLogEvery == 1:
			log.Warn().Msgf("%s: %v: connect attempt %d failed, err=%s", p.options.LogPrefix, connector, failures, err.Error())
		default:
			log.Debug().Msgf("%s: %v: connect attempt %d failed, err=%s", p.options.LogPrefix, connector, failures, err.Error())
		}
		return false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.configSeq != seq || ctx.Err() != nil {
		// reconfigured or shut down while the attempt was in flight
		log.Info().Msgf("%s: %v: discarding connection to %s", p.options.LogPrefix, connector, conn.RemoteAddr().String())
		conn.Close()
		if p.state == StateConnecting {
			p.setStateLocked(StateDisconnected)
		}
		return false
	}

	cs := &connState{
		connID: p.connIDGen.Add(1),
		conn:   conn,
		reader: protocol.NewReader(conn),
	}
	cs.descriptor = fmt.Sprintf(
		"[%d]%s<->%s",
		cs.connID,
		conn.LocalAddr().String(),
		conn.RemoteAddr().String(),
	)

	if p.connState != nil {
		log.Info().Msgf("%s: %s: overriding stale connection %s", p.options.LogPrefix, cs.descriptor, p.connState.descriptor)
		p.connState.conn.Close()
	}
	p.connState = cs
	p.failures = 0
	p.setStateLocked(StateConnected)

	p.metrics.ConnectAttempt(true)
	log.Info().Msgf("%s: %s: new %s connection", p.options.LogPrefix, cs.descriptor, conn.RemoteAddr().Network())

	return true
}

// Send writes one frame plus delimiter. When not connected the frame is
// dropped and ErrNotConnected returned; the reconnect loop is already retrying.
// A write failure demotes the connection and the frame is not retried.
func (p *ManagedConn) Send(frame string) error {
	p.mutex.Lock()
	cs := p.connState
	p.mutex.Unlock()

	if cs == nil {
		return ErrNotConnected
	}

	buf := protocol.AppendFrame(nil, frame)

	p.writeMutex.Lock()
	if p.options.WriteTimeout > 0 {
		cs.conn.SetWriteDeadline(time.Now().Add(p.options.WriteTimeout))
	}
	n, err := cs.conn.Write(buf)
	p.writeMutex.Unlock()

	if err != nil {
		p.disconnect(cs, fmt.Errorf("failed to write %d bytes, err=%w", len(buf), err))
		return fmt.Errorf("%w: %s", ErrDisconnected, err.Error())
	}

	if p.options.LogDebug {
		log.Debug().Msgf("%s: %s: wrote %d bytes", p.options.LogPrefix, cs.descriptor, n)
	}

	return nil
}

// Receive blocks until a full frame arrives and returns it without the
// delimiter. While disconnected it waits for the next connection. A read
// failure demotes the connection and returns ErrDisconnected; any partially
// read frame is discarded.
func (p *ManagedConn) Receive(ctx context.Context) (string, error) {
	for {
		p.mutex.Lock()
		cs := p.connState
		ready := p.ready
		p.mutex.Unlock()

		if cs == nil {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-ready:
			}
			continue
		}

		frame, err := cs.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.disconnect(cs, fmt.Errorf("EOF read from socket"))
			} else {
				p.disconnect(cs, fmt.Errorf("failed to read frame, err=%w", err))
			}
			return "", ErrDisconnected
		}

		return frame, nil
	}
}

func (p *ManagedConn) IsConnected() bool {
	return p.State() == StateConnected
}

func (p *ManagedConn) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.state
}

func (p *ManagedConn) Connector() Connector {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.connector
}

// SetConnector replaces the connection target. The current connection, if
// any, is abandoned even when healthy, and the old connector is closed.
func (p *ManagedConn) SetConnector(connector Connector) {
	var old Connector

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		old = p.connector
		p.connector = connector
		p.configSeq++

		if p.connState != nil {
			log.Info().Msgf("%s: %s: abandoning connection, reconfigured to %v", p.options.LogPrefix, p.connState.descriptor, connector)
			p.connState.conn.Close()
			p.connState = nil
		}
		p.setStateLocked(StateDisconnected)
	}()

	if closer, ok := old.(io.Closer); ok && old != connector {
		closer.Close()
	}

	p.wake()
}

func (p *ManagedConn) disconnect(cs *connState, reason error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState != cs {
		// already replaced, the error belongs to a stale socket
		return
	}

	log.Warn().Msgf("%s: %s: connection lost, %s", p.options.LogPrefix, cs.descriptor, reason.Error())

	cs.conn.Close()
	p.connState = nil
	p.setStateLocked(StateDisconnected)
	p.wake()
}

// invoked on Run goroutine
func (p *ManagedConn) release() {
	var connector Connector

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState != nil {
			log.Info().Msgf("%s: %s: closing connection", p.options.LogPrefix, p.connState.descriptor)
			p.connState.conn.Close()
			p.connState = nil
		}
		p.setStateLocked(StateDisconnected)
		connector = p.connector
	}()

	if closer, ok := connector.(io.Closer); ok {
		closer.Close()
	}

	log.Info().Msgf("%s: reconnect loop stopped", p.options.LogPrefix)
}

// caller must hold mutex
func (p *ManagedConn) setStateLocked(state State) {
	if p.state == state {
		return
	}

	oldState := p.state
	p.state = state

	if state == StateConnected {
		close(p.ready)
	} else if oldState == StateConnected {
		p.ready = make(chan struct{})
	}

	p.metrics.ConnectionState(state.Label())

	if p.options.LogDebug {
		log.Debug().Msgf("%s: state=%s -> %s", p.options.LogPrefix, oldState, state)
	}
}

func (p *ManagedConn) wake() {
	select {
	case p.wakech <- struct{}{}:
	default:
	}
}
