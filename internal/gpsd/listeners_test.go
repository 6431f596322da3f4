package gpsd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	var got []string
	h := r.Subscribe(ListenerFuncs{Object: func(o Object) { got = append(got, o.Class()) }})
	assert.Equal(t, 1, r.Len())

	r.NotifyObject(TPV{})
	assert.True(t, r.Unsubscribe(h))
	assert.False(t, r.Unsubscribe(h))
	r.NotifyObject(SKY{})

	assert.Equal(t, []string{ClassTPV}, got)
	assert.Zero(t, r.Len())
}

func TestRegistryUnsubscribeDuringNotify(t *testing.T) {
	r := NewRegistry(nil)
	var calls []string
	var self, other Handle
	self = r.Subscribe(ListenerFuncs{Object: func(Object) {
		calls = append(calls, "self")
		r.Unsubscribe(self)
		r.Unsubscribe(other)
	}})
	other = r.Subscribe(ListenerFuncs{Object: func(Object) { calls = append(calls, "other") }})

	r.NotifyObject(TPV{})
	assert.Equal(t, []string{"self", "other"}, calls, "the pass in progress keeps its snapshot")

	r.NotifyObject(TPV{})
	assert.Equal(t, []string{"self", "other"}, calls)
	assert.Zero(t, r.Len())
}

func TestRegistrySubscribeDuringNotify(t *testing.T) {
	r := NewRegistry(nil)
	late := 0
	r.Subscribe(ListenerFuncs{Object: func(Object) {
		r.Subscribe(ListenerFuncs{Object: func(Object) { late++ }})
	}})
	r.NotifyObject(TPV{})
	assert.Zero(t, late)
	r.NotifyObject(TPV{})
	assert.Equal(t, 1, late)
}

func TestRegistryIsolatesPanics(t *testing.T) {
	var reported []error
	r := NewRegistry(func(err error) { reported = append(reported, err) })
	bad := r.Subscribe(ListenerFuncs{
		Object: func(Object) { panic("boom") },
		Error:  func(error) { panic("boom again") },
	})
	delivered := 0
	errs := 0
	r.Subscribe(ListenerFuncs{
		Object: func(Object) { delivered++ },
		Error:  func(error) { errs++ },
	})

	r.NotifyObject(TPV{})
	r.NotifyError(ErrConnectionClosed)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, errs)
	require.Len(t, reported, 2)
	var pe *ListenerPanicError
	require.ErrorAs(t, reported[0], &pe)
	assert.Equal(t, bad, pe.Handle)
	assert.Equal(t, "boom", pe.Value)
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry(nil)
	var mu sync.Mutex
	count := 0
	r.Subscribe(ListenerFuncs{Object: func(Object) {
		mu.Lock()
		count++
		mu.Unlock()
	}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := r.Subscribe(ListenerFuncs{})
			r.Unsubscribe(h)
		}()
		go func() {
			defer wg.Done()
			r.NotifyObject(TPV{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
	assert.Equal(t, 1, r.Len())
}
