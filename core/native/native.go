// Package native binds per-device driver callback state to the OS thread that
// drives the device. Some native driver libraries keep their active-device
// handle and callback references in process-global storage; running two
// devices of the same type then corrupts that shared state. Since each device
// is driven from one dedicated, pinned thread for its whole lifetime, and the
// native callback always executes on the thread that invoked the native start
// routine, the device-specific state can live in a per-thread binding instead.
// Only the host-runtime handle stays process-global, it is shared safely by
// all threads.
package native

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var runtimeHandle atomic.Value

// SetRuntimeHandle stores the process-global host-runtime handle.
func SetRuntimeHandle(handle uintptr) {
	runtimeHandle.Store(handle)
}

// RuntimeHandle returns the process-global host-runtime handle.
func RuntimeHandle() uintptr {
	handle, ok := runtimeHandle.Load().(uintptr)
	if !ok {
		return 0
	}
	return handle
}

// Binding holds the native callback state of exactly one device, owned by the
// thread that created it. The binding is the context object that is passed
// through the native call boundary instead of process-global storage.
type Binding struct {
	device   string
	onData   func([]byte)
	onError  func(error)
	mutex    sync.Mutex
	released bool
}

// Bind pins the calling goroutine to its OS thread and creates a binding for
// the given device. The caller owns the binding for the lifetime of its thread
// and must call Release before the thread exits.
func Bind(device string, onData func([]byte), onError func(error)) *Binding {
	runtime.LockOSThread()
	return &Binding{
		device:  device,
		onData:  onData,
		onError: onError,
	}
}

// Device returns the device identifier this binding belongs to.
func (b *Binding) Device() string {
	return b.device
}

// Dispatch routes a packet of raw bytes from the native callback to the owning
// device's data handler.
func (b *Binding) Dispatch(data []byte) error {
	b.mutex.Lock()
	released := b.released
	onData := b.onData
	b.mutex.Unlock()
	if released {
		return errors.Errorf("binding for device %s is already released", b.device)
	}
	onData(data)
	return nil
}

// Fail routes an error from the native callback to the owning device's error handler.
func (b *Binding) Fail(err error) {
	b.mutex.Lock()
	released := b.released
	onError := b.onError
	b.mutex.Unlock()
	if released {
		return
	}
	onError(err)
}

// Release unbinds the device state and unpins the thread. After Release the
// binding rejects all native callbacks.
func (b *Binding) Release() {
	b.mutex.Lock()
	alreadyReleased := b.released
	b.released = true
	b.mutex.Unlock()
	if alreadyReleased {
		return
	}
	runtime.UnlockOSThread()
}
