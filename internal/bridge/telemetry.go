package bridge

import "sync"

type TaskState int

const (
	Stopped TaskState = iota
	Running
	Stopping
)

func (s TaskState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// telemetryTask owns at most one background loop.
type telemetryTask struct {
	mu    sync.Mutex
	state TaskState
	stop  chan struct{}
	done  chan struct{}
}

// start runs fn in a new goroutine unless a loop is already running or
// stopping. It reports whether a loop was started.
func (t *telemetryTask) start(fn func(stop <-chan struct{})) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Stopped {
		return false
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done, t.state = stop, done, Running

	go func() {
		defer func() {
			t.mu.Lock()
			t.state = Stopped
			t.mu.Unlock()
			close(done)
		}()
		fn(stop)
	}()
	return true
}

// stopAndWait signals the loop and blocks until it has exited. It reports
// whether there was a loop to stop.
func (t *telemetryTask) stopAndWait() bool {
	t.mu.Lock()
	switch t.state {
	case Stopped:
		t.mu.Unlock()
		return false
	case Running:
		t.state = Stopping
		close(t.stop)
	}
	done := t.done
	t.mu.Unlock()

	<-done
	return true
}

func (t *telemetryTask) current() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
