// Package transport holds what the three adapter drivers share: the outcome
// of a poll, the common errors and the multiplexer for external readiness
// sources.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrEOF is returned when the adapter stops delivering data.
	ErrEOF = errors.New("transport: end of stream")
	// ErrIO is the sticky fault of a transport whose receive path failed.
	ErrIO = errors.New("transport: I/O error")
	// ErrStopped is returned when a frame sink asked to stop.
	ErrStopped = errors.New("transport: stopped by sink")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Event says why Poll returned.
type Event int

const (
	TimedOut Event = iota
	DriverProgressed
	ExternalReady
)

func (e Event) String() string {
	switch e {
	case TimedOut:
		return "timed_out"
	case DriverProgressed:
		return "driver_progressed"
	case ExternalReady:
		return "external_ready"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Result is the outcome of a successful Poll. Source is set for
// ExternalReady.
type Result struct {
	Event  Event
	Source int
}

// Mux funnels external readiness sources into one channel so a driver can
// wait on them together with its own receive channel.
type Mux struct {
	ready chan int
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewMux creates an empty multiplexer.
func NewMux() *Mux {
	return &Mux{
		ready: make(chan int, 16),
		done:  make(chan struct{}),
	}
}

// Add registers src under id. Every value received from src makes a later
// Wait return ExternalReady with that id. The source is dropped when src is
// closed or the Mux is closed.
func (m *Mux) Add(id int, src <-chan struct{}) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case _, ok := <-src:
				if !ok {
					return
				}
				select {
				case m.ready <- id:
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()
}

// Wait blocks until rx yields a value, an external source fires or timeout
// elapses. A timeout <= 0 checks without blocking. ok is false when rx was
// closed.
func Wait[T any](m *Mux, rx <-chan T, timeout time.Duration) (v T, res Result, ok bool) {
	if timeout <= 0 {
		select {
		case v, ok = <-rx:
			return v, Result{Event: DriverProgressed}, ok
		case id := <-m.ready:
			return v, Result{Event: ExternalReady, Source: id}, true
		default:
			return v, Result{Event: TimedOut}, true
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok = <-rx:
		return v, Result{Event: DriverProgressed}, ok
	case id := <-m.ready:
		return v, Result{Event: ExternalReady, Source: id}, true
	case <-timer.C:
		return v, Result{Event: TimedOut}, true
	}
}

// Close stops all forwarding goroutines.
func (m *Mux) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}
