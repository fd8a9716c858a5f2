package native

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeHandleIsProcessGlobal(t *testing.T) {
	SetRuntimeHandle(42)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, uintptr(42), RuntimeHandle())
		}()
	}
	wg.Wait()
}

func TestBindingsOfSameDeviceTypeAreIsolated(t *testing.T) {
	const packetCount = 100

	received := make([][]string, 2)
	var wg sync.WaitGroup
	for instance := 0; instance < 2; instance++ {
		instance := instance
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := fmt.Sprintf("x_%d", instance)
			binding := Bind(device, func(data []byte) {
				received[instance] = append(received[instance], string(data))
			}, func(error) {})
			defer binding.Release()

			for i := 0; i < packetCount; i++ {
				err := binding.Dispatch([]byte(fmt.Sprintf("%s:%d", device, i)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for instance := 0; instance < 2; instance++ {
		assert.Len(t, received[instance], packetCount)
		for i, packet := range received[instance] {
			assert.Equal(t, fmt.Sprintf("x_%d:%d", instance, i), packet)
		}
	}
}

func TestReleasedBindingRejectsCallbacks(t *testing.T) {
	dispatched := false
	failed := false
	binding := Bind("x_0", func([]byte) { dispatched = true }, func(error) { failed = true })
	binding.Release()

	err := binding.Dispatch([]byte{1, 2, 3})
	assert.Error(t, err)
	assert.False(t, dispatched)

	binding.Fail(fmt.Errorf("boom"))
	assert.False(t, failed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	binding := Bind("x_0", func([]byte) {}, func(error) {})
	binding.Release()
	binding.Release()
}

func TestReleasingOneBindingDoesNotAffectAnother(t *testing.T) {
	done := make(chan struct{})
	var first *Binding
	firstData := 0
	go func() {
		first = Bind("x_0", func([]byte) { firstData++ }, func(error) {})
		close(done)
	}()
	<-done

	second := Bind("x_1", func([]byte) {}, func(error) {})
	second.Release()

	assert.NoError(t, first.Dispatch([]byte{1}))
	assert.Equal(t, 1, firstData)
	first.Release()
}
