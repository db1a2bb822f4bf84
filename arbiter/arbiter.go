package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-chdyn/chdyn"
	"github.com/Meander-Cloud/go-schedule/scheduler"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/config"
	"github.com/Meander-Cloud/go-valsync/group"
)

var ErrClosed = errors.New("arbiter: closed")

type Options struct {
	// staging buffer of the event channel, the queue behind it is unbounded
	EventChannelLength uint16

	// invoked on arbiter goroutine after a functor panicked, may be nil
	PanicHandler func(key string, rec any)

	LogPrefix string
	LogDebug  bool
}

// Arbiter runs functors one at a time, in dispatch order, on its scheduler
// goroutine. Dispatch never drops a functor and does not wait for earlier
// ones to run; a panicking functor is recovered and does not stop the loop.
type Arbiter struct {
	options *Options
	s       *scheduler.Scheduler[group.Group]
	eventpl sync.Pool
	eventch *chdyn.Chan[*event]

	mutex  sync.RWMutex
	closed bool
}

func NewArbiter(options *Options) *Arbiter {
	var eventChannelLength uint16
	if options.EventChannelLength == 0 {
		eventChannelLength = config.EventChannelLength
	} else {
		eventChannelLength = options.EventChannelLength
	}

	a := &Arbiter{
		options: options,
		s: scheduler.NewScheduler[group.Group](
			&scheduler.Options{
				LogPrefix: options.LogPrefix,
				LogDebug:  options.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch: chdyn.New(
			&chdyn.Options[*event]{
				InSize:    eventChannelLength,
				OutSize:   eventChannelLength,
				LogPrefix: options.LogPrefix,
				LogDebug:  options.LogDebug,
			},
		),

		mutex:  sync.RWMutex{},
		closed: false,
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch.Out(),
				func(_ *scheduler.Scheduler[group.Group], _ *scheduler.AsyncVariant[group.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[group.Group], v *scheduler.AsyncVariant[group.Group]) {
					a.eventch.Stop() // wait
					log.Info().Msgf("%s: eventch released, select count: %d", options.LogPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

// Shutdown waits for the running functor, if any. Functors still queued are
// discarded and later dispatches fail with ErrClosed.
func (a *Arbiter) Shutdown() {
	a.mutex.Lock()
	a.closed = true
	a.mutex.Unlock()

	a.s.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[group.Group] {
	return a.s
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.options.LogPrefix, evtAny)
		log.Error().Msgf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Error().Msgf("%s: failed to cast event, recv=%#v", a.options.LogPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Error().Msgf(
					"%s: key=%s, functor recovered from panic: %+v",
					a.options.LogPrefix,
					evt.key,
					rec,
				)
				if a.options.PanicHandler != nil {
					a.options.PanicHandler(evt.key, rec)
				}
			}
		}()
		evt.f()
	}()

	t2 := time.Now().UTC()

	if a.options.LogDebug {
		// log event lifecycle
		log.Debug().Msgf(
			"%s: key=%s, event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.options.LogPrefix,
			evt.key,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	return a.DispatchKeyed("", f)
}

// any goroutine
func (a *Arbiter) DispatchKeyed(key string, f func()) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.closed {
		return fmt.Errorf("%w: %s: key=%s", ErrClosed, a.options.LogPrefix, key)
	}

	evt := a.getEvent()
	evt.key = key
	evt.f = f
	evt.t0 = time.Now().UTC()

	// the bridge goroutine moves events into its unbounded list
	a.eventch.In() <- evt

	return nil
}
