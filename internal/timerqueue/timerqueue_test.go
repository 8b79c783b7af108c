package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShotOrderingByDeadline(t *testing.T) {
	q := New(logging.NewDefaultLoggerFactory())
	defer q.Shutdown(time.Second)

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(2)
	q.Add(40*time.Millisecond, 0, func(ID, interface{}) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		wg.Done()
	}, nil)
	q.Add(10*time.Millisecond, 0, func(ID, interface{}) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		wg.Done()
	}, nil)

	waitTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCancelPreventsFiring(t *testing.T) {
	q := New(logging.NewDefaultLoggerFactory())
	defer q.Shutdown(time.Second)

	fired := make(chan struct{}, 1)
	id := q.Add(20*time.Millisecond, 0, func(ID, interface{}) {
		fired <- struct{}{}
	}, nil)
	q.Cancel(id)

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPeriodicReschedules(t *testing.T) {
	q := New(logging.NewDefaultLoggerFactory())
	defer q.Shutdown(time.Second)

	count := make(chan struct{}, 10)
	id := q.Add(5*time.Millisecond, 10*time.Millisecond, func(ID, interface{}) {
		select {
		case count <- struct{}{}:
		default:
		}
	}, nil)
	defer q.Cancel(id)

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatal("periodic timer did not fire enough times")
		}
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for waitgroup")
	}
}
