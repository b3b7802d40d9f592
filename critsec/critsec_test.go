package critsec

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecursiveEnterDoesNotDeadlock(t *testing.T) {
	var s Section

	s.Enter()
	assert.True(t, s.AmOwner())

	done := make(chan struct{})
	s.Enter() // re-entrant, same goroutine, depth now 2
	go func() {
		// a different goroutine must block until both Enters unwind.
		s.Enter()
		s.Exit()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second goroutine acquired section while still held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Exit() // depth 2 -> 1, still held
	s.Exit() // depth 1 -> 0, released
	<-done
}

func TestMutualExclusionAcrossGoroutines(t *testing.T) {
	var s Section
	var counter int
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.Enter()
			defer s.Exit()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestExitWithoutEnterPanics(t *testing.T) {
	var s Section
	require.Panics(t, func() { s.Exit() })
}

func TestWithReleasesOnPanic(t *testing.T) {
	var s Section
	func() {
		defer func() { recover() }()
		s.With(func() { panic("boom") })
	}()
	// section must be free now; a fresh Enter must not block forever.
	done := make(chan struct{})
	go func() {
		s.Enter()
		s.Exit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("section still held after panic unwound With")
	}
}
