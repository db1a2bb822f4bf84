package endpoint

import (
	"time"
)

// ValueChanged describes one applied update of an incoming value.
type ValueChanged struct {
	Name  string
	Value string

	// empty with HadPrevious false on the first value received for Name
	Previous    string
	HadPrevious bool

	Time time.Time
}

// ValueCallback runs on a callback arbiter goroutine, never on the network
// loops. A callback registered under one (value, callback) pair observes the
// changes of that value in the order they were received.
type ValueCallback func(*ValueChanged)
