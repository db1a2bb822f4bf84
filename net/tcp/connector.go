package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Connector establishes one transport connection per call. A failed attempt
// returns an error and leaves retry timing to the caller. Connectors that hold
// resources across attempts also implement io.Closer.
type Connector interface {
	AttemptConnect(ctx context.Context) (net.Conn, error)
}

type KeepAlive struct {
	Interval time.Duration
	Count    int
}

func (k KeepAlive) config() net.KeepAliveConfig {
	if k.Interval <= 0 {
		return net.KeepAliveConfig{Enable: false}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     k.Interval,
		Interval: k.Interval,
		Count:    k.Count,
	}
}

// Dialer is the initiating side: every attempt dials the configured address.
type Dialer struct {
	host   string
	port   uint16
	dialer net.Dialer
}

var _ Connector = (*Dialer)(nil)

func NewDialer(host string, port uint16, timeout time.Duration, keepAlive KeepAlive) *Dialer {
	return &Dialer{
		host: host,
		port: port,
		dialer: net.Dialer{
			Timeout:         timeout,
			KeepAliveConfig: keepAlive.config(),
		},
	}
}

func (d *Dialer) AttemptConnect(ctx context.Context) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", d.Address())
}

func (d *Dialer) Host() string {
	return d.host
}

func (d *Dialer) Port() uint16 {
	return d.port
}

func (d *Dialer) Address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(int(d.port)))
}

func (d *Dialer) String() string {
	return fmt.Sprintf("dial<%s>", d.Address())
}

// Listener is the accepting side. The listening socket is opened on the first
// attempt and kept across attempts; each attempt waits at most acceptTimeout
// for a peer so the reconnect loop regains control periodically.
type Listener struct {
	port          uint16
	acceptTimeout time.Duration
	lc            net.ListenConfig

	mutex    sync.Mutex
	listener *net.TCPListener
	closed   bool
}

var _ Connector = (*Listener)(nil)

func NewListener(port uint16, acceptTimeout time.Duration, keepAlive KeepAlive) *Listener {
	return &Listener{
		port:          port,
		acceptTimeout: acceptTimeout,
		lc: net.ListenConfig{
			KeepAliveConfig: keepAlive.config(),
		},
	}
}

func (l *Listener) AttemptConnect(ctx context.Context) (net.Conn, error) {
	ln, err := l.ensureListening(ctx)
	if err != nil {
		return nil, err
	}

	if l.acceptTimeout > 0 {
		err = ln.SetDeadline(time.Now().Add(l.acceptTimeout))
		if err != nil {
			return nil, err
		}
	}

	// unblock Accept on cancellation
	stop := context.AfterFunc(ctx, func() {
		ln.SetDeadline(time.Now())
	})
	defer stop()

	return ln.Accept()
}

func (l *Listener) ensureListening(ctx context.Context) (*net.TCPListener, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.listener != nil {
		return l.listener, nil
	}

	ln, err := l.lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(int(l.port))))
	if err != nil {
		return nil, err
	}

	tcpListener, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}

	l.listener = tcpListener
	return tcpListener, nil
}

func (l *Listener) Port() uint16 {
	return l.port
}

// Addr is nil until the first attempt has bound the socket.
func (l *Listener) Addr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.closed = true
	if l.listener == nil {
		return nil
	}

	err := l.listener.Close()
	l.listener = nil
	return err
}

func (l *Listener) String() string {
	return fmt.Sprintf("listen<:%d>", l.port)
}

// isAcceptTimeout distinguishes an idle listen window from a real failure.
func isAcceptTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
