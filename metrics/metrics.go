// Package metrics exposes the counters and gauges of one synchronization
// endpoint. Collector implementations must be safe for concurrent use; every
// method is called from the network loops and must not block.
package metrics

import (
	"time"

	m "github.com/Meander-Cloud/go-valsync/message"
)

type Collector interface {
	FrameSent(kind m.Kind)
	FrameReceived(kind m.Kind)
	FrameMalformed()

	ConnectAttempt(success bool)
	ConnectionState(state string)

	CallbackDispatched()
	CallbackDropped()
	CallbackPanicked()

	PingSample(rtt time.Duration)
}

// Nop discards everything.
type Nop struct{}

var _ Collector = (*Nop)(nil)

func NewNop() *Nop {
	return &Nop{}
}

func (n *Nop) FrameSent(_ m.Kind) {}
func (n *Nop) FrameReceived(_ m.Kind) {}
func (n *Nop) FrameMalformed() {}
func (n *Nop) ConnectAttempt(_ bool) {}
func (n *Nop) ConnectionState(_ string) {}
func (n *Nop) CallbackDispatched() {}
func (n *Nop) CallbackDropped() {}
func (n *Nop) CallbackPanicked() {}
func (n *Nop) PingSample(_ time.Duration) {}

// OrNop returns c, or a Nop collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NewNop()
	}
	return c
}
