package sandbox

import (
	"sync"
)

// Stream identifies which of a child's two output streams a chunk of log
// bytes came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// LogSink is the "log sink" of spec.md §4.6: stdout/stderr bytes are
// appended to capped in-memory buffers and simultaneously multicast to any
// attached streaming subscriber (the WebSocket transport collaborator).
// Once a stream's cap is reached, further bytes for that stream are
// discarded from its buffer and its truncation flag is set; subscribers
// keep receiving every written chunk, including bytes past the cap.
//
// There is no teacher or pack analog for a capped multicast log buffer;
// the shape is new, built in the idiom of the teacher's
// internal/progress.Bar: a small mutex-guarded struct exposing thread-safe
// methods, no interface abstraction beyond what's needed.
type LogSink struct {
	mu            sync.Mutex
	stdoutCap     int64
	stderrCap     int64
	stdoutBuf     []byte
	stderrBuf     []byte
	stdoutTrunc   bool
	stderrTrunc   bool
	subscribers   []chan<- []byte
}

// NewLogSink constructs a LogSink with the given per-stream caps.
func NewLogSink(stdoutCap, stderrCap int64) *LogSink {
	return &LogSink{stdoutCap: stdoutCap, stderrCap: stderrCap}
}

// Write appends p to stream's buffer (up to its cap) and forwards it to
// every subscriber, regardless of whether the buffer itself is already
// full — a live tail subscriber still wants to see bytes the buffer has
// stopped retaining.
func (s *LogSink) Write(stream Stream, p []byte) {
	s.mu.Lock()
	switch stream {
	case Stdout:
		s.stdoutBuf, s.stdoutTrunc = appendCapped(s.stdoutBuf, p, s.stdoutCap, s.stdoutTrunc)
	case Stderr:
		s.stderrBuf, s.stderrTrunc = appendCapped(s.stderrBuf, p, s.stderrCap, s.stderrTrunc)
	}
	subs := append([]chan<- []byte(nil), s.subscribers...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// A slow subscriber never blocks the supervisor's read loop.
		}
	}
}

func appendCapped(buf, p []byte, cap int64, alreadyTruncated bool) ([]byte, bool) {
	if int64(len(buf)) >= cap {
		return buf, true
	}
	room := cap - int64(len(buf))
	if int64(len(p)) > room {
		buf = append(buf, p[:room]...)
		return buf, true
	}
	buf = append(buf, p...)
	return buf, alreadyTruncated
}

// Subscribe registers ch to receive every subsequent Write's raw bytes.
// Callers are responsible for eventually calling Unsubscribe; this backs
// the streaming-log transport variant of spec.md §6.
func (s *LogSink) Subscribe(ch chan<- []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, ch)
}

// Unsubscribe removes ch from the multicast list.
func (s *LogSink) Unsubscribe(ch chan<- []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Stdout returns the captured stdout bytes and whether they were truncated.
func (s *LogSink) Stdout() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.stdoutBuf...), s.stdoutTrunc
}

// Stderr returns the captured stderr bytes and whether they were truncated.
func (s *LogSink) Stderr() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.stderrBuf...), s.stderrTrunc
}
