package endpoint

import (
	"time"

	"github.com/rs/zerolog/log"

	m "github.com/Meander-Cloud/go-valsync/message"
	"github.com/Meander-Cloud/go-valsync/net/tcp/protocol"
)

type entry struct {
	name  string
	value string
}

func (e *Endpoint) transmitLoop() {
	defer e.wg.Done()

	var snapshot []entry
	for {
		t0 := time.Now()
		snapshot = e.transmit(snapshot[:0])

		period := time.Second / time.Duration(e.sendFrequency.Load())
		wait := period - time.Since(t0)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// transmit sends the current outgoing snapshot, one frame per value. A
// failed write ends the cycle; the next cycle after reconnecting resends
// everything.
func (e *Endpoint) transmit(snapshot []entry) []entry {
	if !e.conn.IsConnected() {
		return snapshot
	}

	e.outgoingMutex.Lock()
	for name, value := range e.outgoing {
		snapshot = append(snapshot, entry{name: name, value: value})
	}
	e.outgoingMutex.Unlock()

	for _, ent := range snapshot {
		frame, err := protocol.EncodeValue(ent.name, ent.value)
		if err != nil {
			log.Error().Msgf("%s: %s", e.logPrefix, err.Error())
			continue
		}

		err = e.conn.Send(frame)
		if err != nil {
			if e.c.LogDebug {
				log.Debug().Msgf("%s: transmit cycle cut short, err=%s", e.logPrefix, err.Error())
			}
			break
		}
		e.metrics.FrameSent(m.KindValue)
	}

	return snapshot
}

func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	for {
		frame, err := e.conn.Receive(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			// disconnected, the next Receive waits for the reconnect loop
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			e.metrics.FrameMalformed()
			if e.c.LogDebug {
				log.Debug().Msgf("%s: dropping frame, err=%s", e.logPrefix, err.Error())
			}
			continue
		}
		e.metrics.FrameReceived(msg.Kind)

		switch msg.Kind {
		case m.KindPing:
			e.monitor.HandlePing(msg)
		case m.KindPong:
			e.monitor.HandlePong(msg)
		case m.KindValue:
			e.apply(msg.Name, msg.Value)
		default:
			log.Error().Msgf("%s: unhandled kind=%s", e.logPrefix, msg.Kind)
		}
	}
}

// invoked on receive goroutine
func (e *Endpoint) apply(name, value string) {
	e.incomingMutex.Lock()
	previous, hadPrevious := e.incoming[name]
	if hadPrevious && previous == value {
		e.incomingMutex.Unlock()
		return
	}
	e.incoming[name] = value
	e.incomingMutex.Unlock()

	if e.c.LogDebug {
		log.Debug().Msgf("%s: %s=%q -> %q", e.logPrefix, name, previous, value)
	}

	e.notify(
		&ValueChanged{
			Name:        name,
			Value:       value,
			Previous:    previous,
			HadPrevious: hadPrevious,
			Time:        time.Now().UTC(),
		},
	)
}

// notify queues the change for every callback registered for the value.
// It never blocks on a callback.
func (e *Endpoint) notify(changed *ValueChanged) {
	e.callbackMutex.Lock()
	registered := e.callbacks[changed.Name]
	monitors := make([]*valueMonitor, 0, len(registered))
	for _, vm := range registered {
		monitors = append(monitors, vm)
	}
	e.callbackMutex.Unlock()

	for _, vm := range monitors {
		err := vm.deliver(*changed)
		if err != nil {
			// removed since the snapshot
			e.metrics.CallbackDropped()
			continue
		}
		e.metrics.CallbackDispatched()
	}
}
