package endpoint

import (
	"sync/atomic"

	"github.com/Meander-Cloud/go-valsync/arbiter"
)

// valueMonitor delivers the changes of one value to one registered callback
// on an arbiter of its own, so a slow callback only ever delays itself.
type valueMonitor struct {
	key      string
	callback atomic.Pointer[ValueCallback]
	removed  atomic.Bool
	a        *arbiter.Arbiter
}

func (e *Endpoint) newValueMonitor(valueName, callbackName string, callback ValueCallback) *valueMonitor {
	key := valueName + "/" + callbackName

	vm := &valueMonitor{
		key: key,
		a: arbiter.NewArbiter(
			&arbiter.Options{
				EventChannelLength: e.c.EventChannelLengthOrDefault(),
				PanicHandler: func(_ string, _ any) {
					e.metrics.CallbackPanicked()
				},
				LogPrefix: e.logPrefix + "-callback-" + key,
				LogDebug:  e.c.LogDebug,
			},
		),
	}
	vm.callback.Store(&callback)

	return vm
}

// invoked on receive goroutine
func (vm *valueMonitor) deliver(changed ValueChanged) error {
	return vm.a.DispatchKeyed(
		vm.key,
		func() {
			// invoked on arbiter goroutine
			if vm.removed.Load() {
				return
			}
			(*vm.callback.Load())(&changed)
		},
	)
}

// retire waits for a running callback to return; queued changes are skipped.
func (vm *valueMonitor) retire() {
	vm.removed.Store(true)
	vm.a.Shutdown() // wait
}
