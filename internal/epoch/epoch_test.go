package epoch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectUnprotectDoesNotBlock(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	go func() {
		g := m.Protect()
		m.Unprotect(g)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Protect/Unprotect blocked")
	}
}

func TestDeferRunsOnlyAfterGuardReleased(t *testing.T) {
	m := NewManager()
	g := m.Protect()

	var ran bool
	m.Defer(func() { ran = true })

	m.Advance()
	assert.False(t, ran, "deferred callback must not run while the guard is held")

	m.Unprotect(g)
	m.Advance()
	m.Advance() // two ticks: first retires the epoch and runs the callback, second finds nothing left
	assert.True(t, ran, "deferred callback should run once the epoch has drained")
}

func TestAdvanceMonotonic(t *testing.T) {
	m := NewManager()
	e0 := m.Epoch()
	m.Advance()
	e1 := m.Epoch()
	require.GreaterOrEqual(t, e1, e0)
}

func TestConcurrentProtectAdvanceNeverPanics(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					g := m.Protect()
					m.Defer(func() {})
					m.Unprotect(g)
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		m.Advance()
	}
	close(stop)
	wg.Wait()
}
