// Package endpoint keeps a set of named scalar values synchronized with a
// single peer over one managed TCP connection.
//
// Writes land in an outgoing map whose full snapshot is transmitted every
// cycle, one frame per value. Received values are applied to an incoming map
// and registered monitors are notified only when a value actually changed,
// so the snapshot a peer resends after reconnecting does not replay
// callbacks for values that are already current.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/heartbeat"
	"github.com/Meander-Cloud/go-valsync/metrics"
	"github.com/Meander-Cloud/go-valsync/net/tcp"
	"github.com/Meander-Cloud/go-valsync/net/tcp/protocol"
)

var (
	ErrInvalidArgument  = errors.New("endpoint: invalid argument")
	ErrNumberFormat     = errors.New("endpoint: number format")
	ErrInvalidFrequency = errors.New("endpoint: invalid send frequency")
	ErrShutdown         = errors.New("endpoint: shut down")
)

type Endpoint struct {
	c         *config.Config
	logPrefix string
	metrics   metrics.Collector

	conn    *tcp.ManagedConn
	monitor *heartbeat.Monitor

	outgoingMutex sync.Mutex
	outgoing      map[string]string

	incomingMutex sync.RWMutex
	incoming      map[string]string

	callbackMutex sync.Mutex
	callbacks     map[string]map[string]*valueMonitor
	closed        bool
	retirewg      sync.WaitGroup

	sendFrequency atomic.Uint32

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func keepAlive(c *config.Config) tcp.KeepAlive {
	return tcp.KeepAlive{
		Interval: c.TcpKeepAliveIntervalDuration(),
		Count:    c.TcpKeepAliveCountOrDefault(),
	}
}

func newEndpoint(c *config.Config, role string, defaultFrequency uint16, connector tcp.Connector) (*Endpoint, error) {
	logPrefix := c.LogPrefix
	if logPrefix == "" {
		logPrefix = role
	}

	collector := metrics.OrNop(c.Metrics)

	conn, err := tcp.NewManagedConn(
		&tcp.Options{
			ReconnectInterval: c.TcpReconnectIntervalDuration(),
			WriteTimeout:      c.TcpWriteTimeoutDuration(),
			Metrics:           collector,
			LogPrefix:         logPrefix,
			LogDebug:          c.LogDebug,
		},
		connector,
	)
	if err != nil {
		return nil, err
	}

	monitor, err := heartbeat.NewMonitor(
		&heartbeat.Options{
			Interval:   c.PingIntervalDuration(),
			WindowSize: c.PingWindowSizeOrDefault(),
			Metrics:    collector,
			LogPrefix:  logPrefix + "-heartbeat",
			LogDebug:   c.LogDebug,
		},
		conn,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		c:         c,
		logPrefix: logPrefix,
		metrics:   collector,

		conn:    conn,
		monitor: monitor,

		outgoingMutex: sync.Mutex{},
		outgoing:      make(map[string]string),

		incomingMutex: sync.RWMutex{},
		incoming:      make(map[string]string),

		callbackMutex: sync.Mutex{},
		callbacks:     make(map[string]map[string]*valueMonitor),
		closed:        false,
		retirewg:      sync.WaitGroup{},

		ctx:    ctx,
		cancel: cancel,
	}

	frequency := c.SendFrequency
	if frequency == 0 {
		frequency = defaultFrequency
	}
	e.sendFrequency.Store(uint32(frequency))

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.conn.Run(e.ctx)
	}()
	go e.transmitLoop()
	go e.receiveLoop()

	e.monitor.Start()

	log.Info().Msgf(
		"%s: started, connector=%v, sendFrequency=%d/s, pingInterval=%v",
		logPrefix,
		connector,
		frequency,
		c.PingIntervalDuration(),
	)

	return e, nil
}

// Shutdown stops every loop, closes the socket and listener, and waits for
// running callbacks to return. Changes not yet delivered are discarded.
// Values stay readable afterwards.
func (e *Endpoint) Shutdown() {
	e.shutdownOnce.Do(func() {
		log.Info().Msgf("%s: shutting down", e.logPrefix)

		e.monitor.Shutdown() // wait
		e.cancel()
		e.wg.Wait()

		var monitors []*valueMonitor
		func() {
			e.callbackMutex.Lock()
			defer e.callbackMutex.Unlock()

			e.closed = true
			for valueName, registered := range e.callbacks {
				for _, vm := range registered {
					monitors = append(monitors, vm)
				}
				delete(e.callbacks, valueName)
			}
		}()

		for _, vm := range monitors {
			vm.retire() // wait
		}
		e.retirewg.Wait()

		log.Info().Msgf("%s: shutdown complete", e.logPrefix)
	})
}

func (e *Endpoint) WriteString(name, value string) error {
	if !protocol.Sendable(name) {
		return fmt.Errorf("%w: name=%q", ErrInvalidArgument, name)
	}
	if !protocol.Sendable(value) {
		return fmt.Errorf("%w: %s value=%q", ErrInvalidArgument, name, value)
	}

	e.outgoingMutex.Lock()
	e.outgoing[name] = value
	e.outgoingMutex.Unlock()

	return nil
}

func (e *Endpoint) WriteInt(name string, value int64) error {
	return e.WriteString(name, strconv.FormatInt(value, 10))
}

func (e *Endpoint) WriteDouble(name string, value float64) error {
	return e.WriteString(name, strconv.FormatFloat(value, 'g', -1, 64))
}

// ReadString returns the last value received for name.
func (e *Endpoint) ReadString(name string) (string, bool) {
	e.incomingMutex.RLock()
	defer e.incomingMutex.RUnlock()

	value, found := e.incoming[name]
	return value, found
}

// ReadInt returns 0 for a name never received.
func (e *Endpoint) ReadInt(name string) (int64, error) {
	value, found := e.ReadString(name)
	if !found {
		return 0, nil
	}

	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrNumberFormat, name, value)
	}
	return i, nil
}

// ReadDouble returns 0 for a name never received.
func (e *Endpoint) ReadDouble(name string) (float64, error) {
	value, found := e.ReadString(name)
	if !found {
		return 0, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrNumberFormat, name, value)
	}
	return f, nil
}

func (e *Endpoint) HasValue(name string) bool {
	_, found := e.ReadString(name)
	return found
}

// AddValueMonitor registers callback for changes of valueName, replacing any
// callback already registered under the same callbackName. A replaced
// callback keeps its delivery order: changes already queued go to the new one.
func (e *Endpoint) AddValueMonitor(valueName, callbackName string, callback ValueCallback) error {
	if callback == nil {
		return fmt.Errorf("%w: nil callback %s for %s", ErrInvalidArgument, callbackName, valueName)
	}

	e.callbackMutex.Lock()
	defer e.callbackMutex.Unlock()

	if e.closed {
		return fmt.Errorf("%w: cannot add %s for %s", ErrShutdown, callbackName, valueName)
	}

	registered, found := e.callbacks[valueName]
	if !found {
		registered = make(map[string]*valueMonitor)
		e.callbacks[valueName] = registered
	}

	vm, found := registered[callbackName]
	if found {
		vm.callback.Store(&callback)
		return nil
	}
	registered[callbackName] = e.newValueMonitor(valueName, callbackName, callback)

	return nil
}

// RemoveValueMonitor returns without waiting for a running invocation of the
// callback; changes not yet delivered to it are discarded.
func (e *Endpoint) RemoveValueMonitor(valueName, callbackName string) {
	vm := func() *valueMonitor {
		e.callbackMutex.Lock()
		defer e.callbackMutex.Unlock()

		registered, found := e.callbacks[valueName]
		if !found {
			return nil
		}
		vm, found := registered[callbackName]
		if !found {
			return nil
		}
		delete(registered, callbackName)
		if len(registered) == 0 {
			delete(e.callbacks, valueName)
		}

		// counted under the lock so Shutdown waits for it
		e.retirewg.Add(1)
		return vm
	}()
	if vm == nil {
		return
	}

	vm.removed.Store(true)
	go func() {
		defer e.retirewg.Done()
		vm.retire() // wait
	}()
}

func (e *Endpoint) IsConnected() bool {
	return e.conn.IsConnected()
}

func (e *Endpoint) State() tcp.State {
	return e.conn.State()
}

// PingTime is the mean round-trip time over the recent heartbeat window.
func (e *Endpoint) PingTime() time.Duration {
	return e.monitor.PingTime()
}

// SetSendFrequency applies from the next transmit cycle.
func (e *Endpoint) SetSendFrequency(perSecond int) error {
	if perSecond < 1 || perSecond > int(config.MaxSendFrequency) {
		return fmt.Errorf("%w: %d, range=[1, %d]", ErrInvalidFrequency, perSecond, config.MaxSendFrequency)
	}

	old := e.sendFrequency.Swap(uint32(perSecond))
	if old != uint32(perSecond) {
		log.Info().Msgf("%s: sendFrequency=%d/s -> %d/s", e.logPrefix, old, perSecond)
	}
	return nil
}

func (e *Endpoint) SendFrequency() int {
	return int(e.sendFrequency.Load())
}
