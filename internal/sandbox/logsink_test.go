package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogSinkCapsBufferAndSetsTruncated(t *testing.T) {
	s := NewLogSink(5, 5)
	s.Write(Stdout, []byte("hello world"))

	out, trunc := s.Stdout()
	require.Len(t, out, 5)
	require.Equal(t, "hello", string(out))
	require.True(t, trunc)
}

func TestLogSinkStreamsIndependently(t *testing.T) {
	s := NewLogSink(100, 100)
	s.Write(Stdout, []byte("out"))
	s.Write(Stderr, []byte("err"))

	out, _ := s.Stdout()
	errOut, _ := s.Stderr()
	require.Equal(t, "out", string(out))
	require.Equal(t, "err", string(errOut))
}

func TestLogSinkMulticastsToSubscribers(t *testing.T) {
	s := NewLogSink(100, 100)
	ch := make(chan []byte, 4)
	s.Subscribe(ch)

	s.Write(Stdout, []byte("chunk1"))
	s.Write(Stdout, []byte("chunk2"))

	require.Equal(t, "chunk1", string(<-ch))
	require.Equal(t, "chunk2", string(<-ch))
}

func TestLogSinkUnsubscribeStopsDelivery(t *testing.T) {
	s := NewLogSink(100, 100)
	ch := make(chan []byte, 4)
	s.Subscribe(ch)
	s.Unsubscribe(ch)

	s.Write(Stdout, []byte("after unsubscribe"))

	select {
	case <-ch:
		t.Fatal("unsubscribed channel must not receive further writes")
	default:
	}
}

func TestLogSinkSlowSubscriberNeverBlocksWrite(t *testing.T) {
	s := NewLogSink(100, 100)
	ch := make(chan []byte) // unbuffered, nobody reading
	s.Subscribe(ch)

	done := make(chan struct{})
	go func() {
		s.Write(Stdout, []byte("x"))
		close(done)
	}()

	<-done // Write must return even though the subscriber never reads
}
