// Package heartbeat measures transport round-trip time with an application
// level ping/pong exchange sharing the value connection.
//
// A ping carries the sender's epoch milliseconds and the peer echoes it back
// in a pong, so one sample is simply now minus the echoed timestamp and no
// clock agreement between the endpoints is needed. The mean over a bounded
// window of recent samples is reported. Pings are emitted on a dedicated
// arbiter ticker, pongs are sent straight from the receive path so the
// turnaround is not delayed by the value transmit cycle.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/arbiter"
	"github.com/Meander-Cloud/go-valsync/group"
	m "github.com/Meander-Cloud/go-valsync/message"
	"github.com/Meander-Cloud/go-valsync/metrics"
	"github.com/Meander-Cloud/go-valsync/net/tcp/protocol"
)

// Sender is the part of the managed connection the monitor needs.
type Sender interface {
	Send(frame string) error
	IsConnected() bool
}

type Options struct {
	Interval   time.Duration
	WindowSize int
	Metrics    metrics.Collector

	LogPrefix string
	LogDebug  bool
}

type Monitor struct {
	options *Options
	sender  Sender
	metrics metrics.Collector
	a       *arbiter.Arbiter
	now     func() time.Time

	mutex  sync.Mutex
	window []time.Duration // never empty, seeded with one zero sample
}

func NewMonitor(options *Options, sender Sender) (*Monitor, error) {
	if sender == nil {
		err := fmt.Errorf("%s: nil Sender", options.LogPrefix)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	if options.Interval <= 0 {
		err := fmt.Errorf("%s: invalid Interval=%v", options.LogPrefix, options.Interval)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	if options.WindowSize < 1 {
		err := fmt.Errorf("%s: invalid WindowSize=%d", options.LogPrefix, options.WindowSize)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	h := &Monitor{
		options: options,
		sender:  sender,
		metrics: metrics.OrNop(options.Metrics),
		a:       nil,
		now:     time.Now,

		mutex:  sync.Mutex{},
		window: append(make([]time.Duration, 0, options.WindowSize+1), 0),
	}

	return h, nil
}

// Start begins emitting pings every Interval while the sender is connected.
// The ticker stays armed until Shutdown, a failed or skipped ping does not
// stop the next one.
func (h *Monitor) Start() {
	h.a = arbiter.NewArbiter(
		&arbiter.Options{
			EventChannelLength: 16,
			LogPrefix:          h.options.LogPrefix,
			LogDebug:           h.options.LogDebug,
		},
	)

	h.a.Scheduler().ProcessAsync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.TickerAsync(
				true,
				[]group.Group{group.GroupHeartbeat},
				h.options.Interval,
				func() {
					// invoked on arbiter goroutine
					h.emit()
				},
				func(count uint32) {
					log.Info().Msgf("%s: ping ticker released, tick count: %d", h.options.LogPrefix, count)
				},
			),
		},
	)
}

func (h *Monitor) Shutdown() {
	if h.a == nil {
		return
	}

	h.a.Scheduler().ProcessAsync(
		&scheduler.ReleaseGroupEvent[group.Group]{
			Group: group.GroupHeartbeat,
		},
	)

	h.a.Shutdown() // wait
}

// invoked on arbiter goroutine
func (h *Monitor) emit() {
	if !h.sender.IsConnected() {
		return
	}

	err := h.sender.Send(protocol.EncodePing(h.now()))
	if err != nil {
		log.Warn().Msgf("%s: ping not sent, err=%s", h.options.LogPrefix, err.Error())
		return
	}
	h.metrics.FrameSent(m.KindPing)
}

// HandlePing answers a peer ping right away with a pong echoing its timestamp.
func (h *Monitor) HandlePing(msg *m.Message) {
	err := h.sender.Send(protocol.EncodePong(msg.Value))
	if err != nil {
		if h.options.LogDebug {
			log.Debug().Msgf("%s: pong not sent, err=%s", h.options.LogPrefix, err.Error())
		}
		return
	}
	h.metrics.FrameSent(m.KindPong)
}

// HandlePong records one round-trip sample from an echoed timestamp.
func (h *Monitor) HandlePong(msg *m.Message) {
	sent, ok := msg.Timestamp()
	if !ok {
		log.Warn().Msgf("%s: ignoring pong with invalid timestamp %q", h.options.LogPrefix, msg.Value)
		return
	}

	rtt := h.now().Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	// wire resolution is one millisecond
	rtt = rtt.Truncate(time.Millisecond)

	h.mutex.Lock()
	h.window = append(h.window, rtt)
	if len(h.window) > h.options.WindowSize {
		copy(h.window, h.window[1:])
		h.window = h.window[:h.options.WindowSize]
	}
	h.mutex.Unlock()

	h.metrics.PingSample(rtt)

	if h.options.LogDebug {
		log.Debug().Msgf("%s: ping sample %v", h.options.LogPrefix, rtt)
	}
}

// PingTime is the arithmetic mean of the current window.
func (h *Monitor) PingTime() time.Duration {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var total time.Duration
	for _, rtt := range h.window {
		total += rtt
	}
	return total / time.Duration(len(h.window))
}

func (h *Monitor) Samples() []time.Duration {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	samples := make([]time.Duration, len(h.window))
	copy(samples, h.window)
	return samples
}
