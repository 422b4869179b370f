package generator

import (
	"sync"
	"sync/atomic"
)

// Handle is a single in-flight generation. It can be stopped and waited on.
type Handle struct {
	InferenceID string

	// stopped is the cancellation flag. It is set by Stop from any goroutine
	// and read by the consumer before every increment.
	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	result Completion
}

func newHandle(inferenceID string) *Handle {
	return &Handle{
		InferenceID: inferenceID,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Stop requests cancellation. It is safe to call multiple times and after
// the generation finished.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopped.Store(true)
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

func (h *Handle) StopRequested() bool {
	if h == nil {
		return false
	}
	return h.stopped.Load()
}

// Wait blocks until the completion callback has returned and returns the
// completion that was passed to it.
func (h *Handle) Wait() (Completion, error) {
	if h == nil {
		return Completion{}, ErrHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

// Done is closed once the generation is finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) finish(c Completion) {
	h.mu.Lock()
	h.result = c
	close(h.done)
	h.mu.Unlock()
}
