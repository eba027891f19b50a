package candevice

import (
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
)

// MemorySocket is an in-process Socket. Frames passed to Deliver are returned
// by Recv; frames passed to Send are recorded.
type MemorySocket struct {
	inbound chan canbus.Frame
	done    chan struct{}

	mu      sync.Mutex
	sent    []canbus.Frame
	sendErr error
	closed  bool
}

// NewMemorySocket returns an open in-memory socket.
func NewMemorySocket() *MemorySocket {
	return &MemorySocket{
		inbound: make(chan canbus.Frame, 64),
		done:    make(chan struct{}),
	}
}

// Send records frame.
func (s *MemorySocket) Send(frame canbus.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, frame)
	return len(frame.Data), nil
}

// Recv blocks until a frame is delivered or the socket is closed.
func (s *MemorySocket) Recv() (canbus.Frame, error) {
	select {
	case <-s.done:
		return canbus.Frame{}, ErrClosed
	case frame := <-s.inbound:
		return frame, nil
	}
}

// Close unblocks Recv. It is safe to call more than once.
func (s *MemorySocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Deliver queues frame for Recv.
func (s *MemorySocket) Deliver(frame canbus.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	case s.inbound <- frame:
		return nil
	default:
		return errors.New("memory socket receive queue full")
	}
}

// SetSendError makes every following Send fail with err. A nil err clears it.
func (s *MemorySocket) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of every frame sent so far.
func (s *MemorySocket) Sent() []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canbus.Frame(nil), s.sent...)
}

// LastSent returns the most recent frame sent with id.
func (s *MemorySocket) LastSent(id uint32) (canbus.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].ID == id {
			return s.sent[i], true
		}
	}
	return canbus.Frame{}, false
}
