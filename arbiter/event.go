package arbiter

import "time"

type event struct {
	key string
	f   func()
	t0  time.Time
}

func newEvent() *event {
	return &event{
		key: "",
		f:   nil,
		t0:  time.Time{},
	}
}

// scheduler goroutine
func (e *event) reset() {
	e.key = ""
	e.f = nil
	e.t0 = time.Time{}
}
