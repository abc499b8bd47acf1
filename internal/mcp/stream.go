package mcp

import "sync"

// frameBuffer is the inbound channel capacity per open generation.
const frameBuffer = 64

// stream is the inbound frame sequence of one open generation of a
// transport. Producers (read loops, HTTP response handlers) call
// deliver; exactly one of them, or Close, calls finish. After finish
// the frames channel is closed and err explains why.
type stream struct {
	frames chan []byte
	stop   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	finished bool
	err      error
}

func newStream() *stream {
	return &stream{
		frames: make(chan []byte, frameBuffer),
		stop:   make(chan struct{}),
	}
}

// deliver hands a frame to the consumer. It returns false once the
// stream is finishing; the frame is dropped.
func (s *stream) deliver(frame []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.stop:
		return false
	}
}

// halt unblocks pending deliveries without ending the stream. The
// producer still calls finish.
func (s *stream) halt() {
	s.once.Do(func() { close(s.stop) })
}

// finish ends the stream. Only the first call has effect; err == nil
// means an orderly close.
func (s *stream) finish(err error) {
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.frames)
}

func (s *stream) isFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

func (s *stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// closedFrames is returned by Frames before the first Open.
var closedFrames = func() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}()
